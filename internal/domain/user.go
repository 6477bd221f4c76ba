// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen    = 36
	MaxUsernameLen  = 64
	MaxChannelIDLen = 64
)

var (
	ErrUsernameTooLong  = errors.New("identity too long")
	ErrUsernameEmpty    = errors.New("identity empty")
	ErrChannelIDEmpty   = errors.New("channel id empty")
	ErrChannelIDTooLong = errors.New("channel id too long")
	ErrChannelIDInvalid = errors.New("channel id contains whitespace or control characters")
)

type UserID string

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(username string) (*User, error) {
	if err := ValidateIdentity(username); err != nil {
		return nil, err
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Username: username}, nil
}

func (u *User) SetUsername(username string) error {
	if err := ValidateIdentity(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

// ValidateIdentity checks a participant identity as accepted by the session API and the channel server.
func ValidateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return ErrUsernameEmpty
	}
	if len(identity) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}

func ValidateChannelID(id string) error {
	if id == "" {
		return ErrChannelIDEmpty
	}
	if len(id) > MaxChannelIDLen {
		return ErrChannelIDTooLong
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrChannelIDInvalid
		}
	}
	return nil
}
