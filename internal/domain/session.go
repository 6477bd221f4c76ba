package domain

import "time"

// Session is a server-issued, time-bounded handle for one channel visit.
// ExpiresAt is fixed at creation and never moves.
type Session struct {
	ID             string    `json:"sessionId"`
	ChannelID      ChannelID `json:"channelId"`
	Identity       string    `json:"identity"`
	JoinedAt       time.Time `json:"joinedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Remaining is the time left until the hard expiry, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// DailyUsage counts sessions created by one identity on one UTC day.
type DailyUsage struct {
	DateKey string `json:"dateKey"`
	Count   int    `json:"count"`
}

// Limits is the quota snapshot shown to clients.
type Limits struct {
	RemainingConnections int       `json:"remainingConnections"`
	MaxConnectionsPerDay int       `json:"maxConnectionsPerDay"`
	UsedToday            int       `json:"usedToday"`
	ResetAt              time.Time `json:"resetAt"`
}

// EndReason says why a session left the store.
type EndReason string

const (
	EndReasonLeft    EndReason = "left"
	EndReasonExpired EndReason = "expired"
	EndReasonStale   EndReason = "stale"
)
