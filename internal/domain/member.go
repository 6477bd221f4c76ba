package domain

import "time"

// Member represents user's participation meta for a channel.
// No transport or lifecycle logic here.
type Member struct {
	User *User
	// zero when the member joined without an expiring token
	TokenExpiresAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) *Member {
	return &Member{User: user}
}
