// Package quota is the server side authority over daily session quotas and
// time-bounded sessions.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Config struct {
	MaxConnectionsPerDay int
	MaxSessionDuration   time.Duration
	StaleAfter           time.Duration
	SweepInterval        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerDay: 3,
		MaxSessionDuration:   30 * time.Minute,
		StaleAfter:           5 * time.Minute,
		SweepInterval:        60 * time.Second,
	}
}

type Option func(*Manager)

// WithClock replaces time.Now for dates and timestamps. Expiry timers still
// run on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithSessionStore(s SessionStore) Option {
	return func(m *Manager) { m.sessions = s }
}

type Manager struct {
	cfg      Config
	usage    UsageStore
	sessions SessionStore
	metrics  *metrics.Metrics
	now      func() time.Time

	// mu spans read-check-increment of usage and every session mutation
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewManager(cfg Config, usage UsageStore, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxConnectionsPerDay <= 0 {
		cfg.MaxConnectionsPerDay = def.MaxConnectionsPerDay
	}
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = def.MaxSessionDuration
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if usage == nil {
		usage = NewMemoryUsageStore()
	}
	m := &Manager{
		cfg:      cfg,
		usage:    usage,
		sessions: NewMemorySessionStore(),
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func nextMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

// current applies the lazy rollover: a usage from another day counts as zero.
func current(u domain.DailyUsage, now time.Time) domain.DailyUsage {
	key := dateKey(now)
	if u.DateKey != key {
		return domain.DailyUsage{DateKey: key}
	}
	return u
}

func (m *Manager) limitsFor(u domain.DailyUsage, now time.Time) domain.Limits {
	return domain.Limits{
		RemainingConnections: max(0, m.cfg.MaxConnectionsPerDay-u.Count),
		MaxConnectionsPerDay: m.cfg.MaxConnectionsPerDay,
		UsedToday:            u.Count,
		ResetAt:              nextMidnight(now),
	}
}

// reserve counts one more session for identity today. ok is false when the
// quota is exhausted; u is then the unchanged usage.
func (m *Manager) reserve(ctx context.Context, identity string, now time.Time) (u domain.DailyUsage, ok bool, err error) {
	if r, shared := m.usage.(Reserver); shared {
		u, ok, err = r.Reserve(ctx, identity, dateKey(now), m.cfg.MaxConnectionsPerDay)
		if err != nil {
			return u, false, fmt.Errorf("reserve usage: %w", err)
		}
		return u, ok, nil
	}
	stored, err := m.usage.Get(ctx, identity)
	if err != nil {
		return u, false, fmt.Errorf("read usage: %w", err)
	}
	u = current(stored, now)
	if u.Count >= m.cfg.MaxConnectionsPerDay {
		return u, false, nil
	}
	u.Count++
	if err := m.usage.Put(ctx, identity, u); err != nil {
		return u, false, fmt.Errorf("write usage: %w", err)
	}
	return u, true, nil
}

// CreateSession issues a session if identity has quota left today. On
// rejection nothing is created and usage is unchanged.
func (m *Manager) CreateSession(ctx context.Context, channel domain.ChannelID, identity string) (domain.Session, domain.Limits, error) {
	const op = "quota.CreateSession"
	if err := domain.ValidateChannelID(string(channel)); err != nil {
		return domain.Session{}, domain.Limits{}, domain.E(domain.CodeValidationFailed, op, err.Error(), err)
	}
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.Session{}, domain.Limits{}, domain.E(domain.CodeValidationFailed, op, err.Error(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	u, ok, err := m.reserve(ctx, identity, now)
	if err != nil {
		return domain.Session{}, domain.Limits{}, domain.E(domain.CodeInternal, op, "", err)
	}
	if !ok {
		limits := m.limitsFor(u, now)
		m.metrics.RecordQuotaRejection()
		log.Info().Str("module", "quota").Str("identity", identity).Int("used", u.Count).Msg("daily quota exhausted")
		return domain.Session{}, limits, domain.E(domain.CodeQuotaExceeded, op, "daily connection limit reached", &domain.QuotaExceeded{Limits: limits})
	}

	s := domain.Session{
		ID:             uuid.NewString(),
		ChannelID:      channel,
		Identity:       identity,
		JoinedAt:       now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(m.cfg.MaxSessionDuration),
	}
	m.sessions.Put(s)
	id := s.ID
	m.timers[id] = time.AfterFunc(m.cfg.MaxSessionDuration, func() { m.expire(id) })
	m.metrics.RecordSessionCreated(m.sessions.Len())

	log.Info().
		Str("module", "quota").
		Str("session_id", s.ID).
		Str("channel", string(channel)).
		Str("identity", identity).
		Int("used_today", u.Count).
		Time("expires_at", s.ExpiresAt).
		Msg("session created")
	return s, m.limitsFor(u, now), nil
}

// Heartbeat refreshes LastActivityAt. ExpiresAt never moves.
func (m *Manager) Heartbeat(_ context.Context, id string) (domain.Session, error) {
	const op = "quota.Heartbeat"
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions.Get(id)
	if !ok {
		return domain.Session{}, domain.E(domain.CodeNotFound, op, "session not found", nil)
	}
	s.LastActivityAt = m.now().UTC()
	m.sessions.Put(s)
	m.metrics.RecordHeartbeat()
	log.Debug().Str("module", "quota").Str("session_id", id).Msg("heartbeat")
	return s, nil
}

// EndSession is idempotent. NotFound only tells the caller the session was
// already gone.
func (m *Manager) EndSession(_ context.Context, id string) error {
	const op = "quota.EndSession"
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.removeLocked(id, domain.EndReasonLeft) {
		return domain.E(domain.CodeNotFound, op, "session not found", nil)
	}
	return nil
}

func (m *Manager) Get(id string) (domain.Session, error) {
	s, ok := m.sessions.Get(id)
	if !ok {
		return domain.Session{}, domain.E(domain.CodeNotFound, "quota.Get", "session not found", nil)
	}
	return s, nil
}

func (m *Manager) Limits(ctx context.Context, identity string) (domain.Limits, error) {
	const op = "quota.Limits"
	if err := domain.ValidateIdentity(identity); err != nil {
		return domain.Limits{}, domain.E(domain.CodeValidationFailed, op, err.Error(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	stored, err := m.usage.Get(ctx, identity)
	if err != nil {
		return domain.Limits{}, domain.E(domain.CodeInternal, op, "read usage", err)
	}
	return m.limitsFor(current(stored, now), now), nil
}

func (m *Manager) Now() time.Time { return m.now().UTC() }

func (m *Manager) Active() int { return m.sessions.Len() }

func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id, domain.EndReasonExpired)
}

func (m *Manager) removeLocked(id string, reason domain.EndReason) bool {
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	s, ok := m.sessions.Delete(id)
	if !ok {
		return false
	}
	lifetime := m.now().UTC().Sub(s.JoinedAt)
	m.metrics.RecordSessionEnded(string(reason), lifetime, m.sessions.Len())
	log.Info().
		Str("module", "quota").
		Str("session_id", id).
		Str("identity", s.Identity).
		Str("reason", string(reason)).
		Dur("lifetime", lifetime).
		Msg("session removed")
	return true
}

// Sweep removes stale sessions and any session past its hard expiry whose
// timer did not fire. It returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	removed := 0
	for _, s := range m.sessions.List() {
		switch {
		case !now.Before(s.ExpiresAt):
			if m.removeLocked(s.ID, domain.EndReasonExpired) {
				removed++
			}
		case now.Sub(s.LastActivityAt) > m.cfg.StaleAfter:
			if m.removeLocked(s.ID, domain.EndReasonStale) {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Info().Str("module", "quota").Int("removed", removed).Msg("sweep")
	}
	return removed
}

// Run sweeps every SweepInterval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close stops every expiry timer and clears the session store.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.sessions.Clear()
	m.metrics.SetActiveSessions(0)
	if c, ok := m.usage.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("module", "quota").Msg("close usage store")
		}
	}
}
