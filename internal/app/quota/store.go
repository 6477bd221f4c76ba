package quota

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/voicelink/internal/domain"
)

// UsageStore persists DailyUsage per identity. Rollover is applied by the
// manager on read, stores only keep what they were given.
type UsageStore interface {
	Get(ctx context.Context, identity string) (domain.DailyUsage, error)
	Put(ctx context.Context, identity string, u domain.DailyUsage) error
}

// Reserver is a UsageStore that can check and increment in one atomic step.
// The manager prefers it over Get+Put when the store is shared between
// processes.
type Reserver interface {
	Reserve(ctx context.Context, identity, dateKey string, max int) (u domain.DailyUsage, ok bool, err error)
}

// SessionStore holds live sessions. Both the expiry timers and the stale
// sweep work against the same store.
type SessionStore interface {
	Get(id string) (domain.Session, bool)
	Put(s domain.Session)
	Delete(id string) (domain.Session, bool)
	List() []domain.Session
	Len() int
	Clear()
}

type MemoryUsageStore struct {
	mu    sync.RWMutex
	usage map[string]domain.DailyUsage
}

func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{usage: make(map[string]domain.DailyUsage)}
}

func (s *MemoryUsageStore) Get(_ context.Context, identity string) (domain.DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[identity], nil
}

func (s *MemoryUsageStore) Put(_ context.Context, identity string, u domain.DailyUsage) error {
	s.mu.Lock()
	s.usage[identity] = u
	s.mu.Unlock()
	return nil
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]domain.Session)}
}

func (s *MemorySessionStore) Get(id string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *MemorySessionStore) Put(sess domain.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *MemorySessionStore) Delete(id string) (domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	return sess, ok
}

// List is ordered by join time.
func (s *MemorySessionStore) List() []domain.Session {
	s.mu.RLock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *MemorySessionStore) Clear() {
	s.mu.Lock()
	s.sessions = make(map[string]domain.Session)
	s.mu.Unlock()
}
