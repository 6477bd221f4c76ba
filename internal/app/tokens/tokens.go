// Package tokens issues and verifies HS256 channel tokens.
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/voicelink/internal/domain"
)

const issuer = "voicelink"

type channelClaims struct {
	jwt.RegisteredClaims
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
}

type Issued struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service signs tokens bound to one channel and identity.
type Service struct {
	secret []byte
	appID  string
	ttl    time.Duration
	now    func() time.Time
}

func New(secret, appID string, ttl time.Duration) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{secret: []byte(secret), appID: appID, ttl: ttl, now: time.Now}, nil
}

func (s *Service) Issue(channel domain.ChannelID, identity string) (Issued, error) {
	const op = "tokens.Issue"
	if channel == "" || identity == "" {
		return Issued{}, domain.E(domain.CodeValidationFailed, op, "channelId and identity are required", nil)
	}
	now := s.now()
	exp := now.Add(s.ttl).Truncate(time.Second)
	claims := channelClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		AppID:   s.appID,
		Channel: string(channel),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Issued{}, domain.E(domain.CodeInternal, op, "", err)
	}
	return Issued{Token: signed, ExpiresAt: exp}, nil
}

// Verify checks signature, expiry and the channel/identity binding and
// returns the expiry time.
func (s *Service) Verify(raw string, channel domain.ChannelID, identity string) (time.Time, error) {
	const op = "tokens.Verify"
	if raw == "" {
		return time.Time{}, domain.E(domain.CodeUnauthorized, op, "missing token", nil)
	}
	claims := &channelClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || tok == nil || !tok.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return time.Time{}, domain.E(domain.CodeUnauthorized, op, "token expired", err)
		}
		return time.Time{}, domain.E(domain.CodeUnauthorized, op, "invalid token", err)
	}
	if claims.Channel != string(channel) {
		return time.Time{}, domain.E(domain.CodeUnauthorized, op, "token is not valid for this channel", nil)
	}
	if claims.Subject != identity {
		return time.Time{}, domain.E(domain.CodeUnauthorized, op, "token is not valid for this identity", nil)
	}
	if s.appID != "" && claims.AppID != s.appID {
		return time.Time{}, domain.E(domain.CodeUnauthorized, op, "token is not valid for this app", nil)
	}
	return claims.ExpiresAt.Time, nil
}
