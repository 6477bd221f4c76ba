// Package heartbeat keeps a server session alive while the connection is up
// and ends both sides when the local countdown runs out.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

// Beat is what the server answers to a heartbeat.
type Beat struct {
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Remaining      time.Duration
}

type SessionAPI interface {
	Heartbeat(ctx context.Context, sessionID string) (Beat, error)
	End(ctx context.Context, sessionID string) error
	// Beacon sends the end request without waiting for an answer.
	Beacon(sessionID string)
}

type Connection interface {
	Status() domain.ConnectionStatus
	Leave(ctx context.Context) error
}

const (
	NoticeExpired       = "session expired"
	NoticeEndedUpstream = "session ended by server"
)

type Options struct {
	HeartbeatInterval time.Duration
	Tick              time.Duration
	DriftTolerance    time.Duration
	// OnExpired runs once with the user-visible notice after an automatic leave.
	OnExpired func(notice string)
	// OnTick receives the remaining time after every countdown tick.
	OnTick func(remaining time.Duration)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = time.Second
	}
	return o
}

// epoch is one armed session. Expiry, resync and the session end all act on
// the epoch they were started for, never on whatever session is current.
type epoch struct {
	id       string
	deadline time.Time // guarded by Coordinator.mu
	stop     chan struct{}
	stopOnce sync.Once
	expired  sync.Once
	taken    atomic.Bool
}

func (e *epoch) halt() { e.stopOnce.Do(func() { close(e.stop) }) }

type Coordinator struct {
	api  SessionAPI
	conn Connection
	opts Options

	// current is read on teardown paths without taking mu
	current atomic.Pointer[epoch]

	mu sync.Mutex
	wg sync.WaitGroup
}

func New(api SessionAPI, conn Connection, opts Options) *Coordinator {
	return &Coordinator{api: api, conn: conn, opts: opts.withDefaults()}
}

// SessionID is the last known session id, "" when none.
func (c *Coordinator) SessionID() string {
	if e := c.current.Load(); e != nil && !e.taken.Load() {
		return e.id
	}
	return ""
}

// Start arms the heartbeat and the countdown for a freshly created session.
func (c *Coordinator) Start(sessionID string, remaining time.Duration) {
	e := &epoch{id: sessionID, stop: make(chan struct{})}
	c.mu.Lock()
	e.deadline = time.Now().Add(remaining)
	c.mu.Unlock()
	if prev := c.current.Swap(e); prev != nil {
		prev.halt()
	}

	c.wg.Add(2)
	go c.countdown(e)
	go c.heartbeats(e)
	log.Info().Str("module", "heartbeat").Str("session_id", sessionID).Dur("remaining", remaining).Msg("session armed")
}

// Remaining is the local countdown value.
func (c *Coordinator) Remaining() time.Duration {
	e := c.current.Load()
	if e == nil {
		return 0
	}
	return c.remaining(e)
}

func (c *Coordinator) remaining(e *epoch) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(0, time.Until(e.deadline))
}

func (c *Coordinator) countdown(e *epoch) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		left := c.remaining(e)
		if c.opts.OnTick != nil {
			c.opts.OnTick(left)
		}
		if left <= 0 {
			go c.expire(e, NoticeExpired)
			return
		}
	}
}

func (c *Coordinator) heartbeats(e *epoch) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}
		if c.conn.Status() != domain.StatusConnected || e.taken.Load() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HeartbeatInterval)
		beat, err := c.api.Heartbeat(ctx, e.id)
		cancel()
		switch {
		case domain.IsCode(err, domain.CodeNotFound):
			log.Warn().Str("module", "heartbeat").Str("session_id", e.id).Msg("server no longer knows the session")
			go c.expire(e, NoticeEndedUpstream)
			return
		case err != nil:
			// one missed heartbeat is fine, the server sweep is the backstop
			log.Warn().Err(err).Str("module", "heartbeat").Str("session_id", e.id).Msg("heartbeat failed")
		default:
			c.resync(e, beat.Remaining)
		}
	}
}

func (c *Coordinator) resync(e *epoch, server time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local := max(0, time.Until(e.deadline))
	drift := local - server
	if drift < 0 {
		drift = -drift
	}
	if drift > c.opts.DriftTolerance {
		e.deadline = time.Now().Add(server)
		log.Debug().Str("module", "heartbeat").Dur("drift", drift).Msg("countdown resynced")
	}
}

// expire leaves the channel and ends e's session, at most once per Start.
// A session armed while this runs is left alone.
func (c *Coordinator) expire(e *epoch, notice string) {
	e.expired.Do(func() {
		e.halt()
		if c.current.Load() != e {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.conn.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "heartbeat").Msg("leave on expiry")
		}
		if id := c.take(e); id != "" {
			if err := c.api.End(ctx, id); err != nil && !domain.IsCode(err, domain.CodeNotFound) {
				log.Warn().Err(err).Str("module", "heartbeat").Str("session_id", id).Msg("end session on expiry")
			}
		}
		if c.current.Load() != nil {
			log.Info().Str("module", "heartbeat").Str("session_id", e.id).Msg("expired session replaced by a new one")
			return
		}
		log.Info().Str("module", "heartbeat").Str("notice", notice).Msg("session closed automatically")
		if c.opts.OnExpired != nil {
			c.opts.OnExpired(notice)
		}
	})
}

// take claims e's session for ending. Only the first caller gets the id.
func (c *Coordinator) take(e *epoch) string {
	if e == nil || !e.taken.CompareAndSwap(false, true) {
		return ""
	}
	c.current.CompareAndSwap(e, nil)
	return e.id
}

// Stop is the normal exit: timers stop and the session is ended on the server.
// If ctx ends before the timers drain, the end request is sent as a beacon.
func (c *Coordinator) Stop(ctx context.Context) error {
	e := c.current.Load()
	if e != nil {
		e.halt()
	}
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if id := c.take(e); id != "" {
			c.api.Beacon(id)
		}
		return ctx.Err()
	}
	id := c.take(e)
	if id == "" {
		return nil
	}
	if err := c.api.End(ctx, id); err != nil && !domain.IsCode(err, domain.CodeNotFound) {
		return err
	}
	return nil
}

// Teardown is the abrupt exit path. It does not wait for the timers to drain
// and fires the session end as a beacon.
func (c *Coordinator) Teardown(leaveTimeout time.Duration) {
	e := c.current.Load()
	if e != nil {
		e.halt()
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := c.conn.Leave(ctx); err != nil {
		log.Debug().Err(err).Str("module", "heartbeat").Msg("teardown leave")
	}
	if id := c.take(e); id != "" {
		c.api.Beacon(id)
	}
}
