package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

type fakeAPI struct {
	mu        sync.Mutex
	beats     int
	ends      []string
	beacons   []string
	beatErr   error
	remaining time.Duration
	// beatHold, when set, blocks every heartbeat until closed
	beatHold chan struct{}
}

func (f *fakeAPI) Heartbeat(_ context.Context, id string) (Beat, error) {
	f.mu.Lock()
	f.beats++
	hold, err, remaining := f.beatHold, f.beatErr, f.remaining
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if err != nil {
		return Beat{}, err
	}
	return Beat{Remaining: remaining}, nil
}

func (f *fakeAPI) End(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, id)
	return nil
}

func (f *fakeAPI) Beacon(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beacons = append(f.beacons, id)
}

func (f *fakeAPI) counts() (beats, ends, beacons int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats, len(f.ends), len(f.beacons)
}

type fakeConn struct {
	mu     sync.Mutex
	status domain.ConnectionStatus
	leaves int
	// entered is signalled when Leave starts, hold blocks it until closed
	entered chan struct{}
	hold    chan struct{}
}

func (c *fakeConn) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *fakeConn) Leave(context.Context) error {
	c.mu.Lock()
	c.leaves++
	c.status = domain.StatusDisconnected
	entered, hold := c.entered, c.hold
	c.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if hold != nil {
		<-hold
	}
	return nil
}

func (c *fakeConn) leaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestHeartbeatOnlyWhileConnected(t *testing.T) {
	api := &fakeAPI{remaining: time.Hour}
	conn := &fakeConn{status: domain.StatusConnecting}
	c := New(api, conn, Options{HeartbeatInterval: 10 * time.Millisecond, Tick: 10 * time.Millisecond})
	c.Start("s1", time.Hour)
	defer c.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	if beats, _, _ := api.counts(); beats != 0 {
		t.Fatalf("%d heartbeats before connected", beats)
	}
	conn.mu.Lock()
	conn.status = domain.StatusConnected
	conn.mu.Unlock()
	waitUntil(t, time.Second, func() bool { b, _, _ := api.counts(); return b >= 2 }, "heartbeats")
}

func TestHeartbeatFailureIsNotFatal(t *testing.T) {
	api := &fakeAPI{beatErr: errors.New("connection refused")}
	conn := &fakeConn{status: domain.StatusConnected}
	c := New(api, conn, Options{HeartbeatInterval: 10 * time.Millisecond, Tick: 10 * time.Millisecond})
	c.Start("s1", time.Hour)
	defer c.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { b, _, _ := api.counts(); return b >= 3 }, "retries")
	if conn.leaveCount() != 0 {
		t.Fatal("a failed heartbeat must not leave")
	}
}

func TestCountdownExpiresExactlyOnce(t *testing.T) {
	api := &fakeAPI{beatErr: domain.E(domain.CodeNotFound, "test", "gone", nil)}
	conn := &fakeConn{status: domain.StatusConnected}
	var mu sync.Mutex
	var notices []string
	c := New(api, conn, Options{
		HeartbeatInterval: 30 * time.Millisecond,
		Tick:              10 * time.Millisecond,
		OnExpired: func(n string) {
			mu.Lock()
			notices = append(notices, n)
			mu.Unlock()
		},
	})
	c.Start("s1", 30*time.Millisecond)

	waitUntil(t, time.Second, func() bool { return conn.leaveCount() > 0 }, "auto leave")
	time.Sleep(100 * time.Millisecond)
	if n := conn.leaveCount(); n != 1 {
		t.Fatalf("leave ran %d times", n)
	}
	if _, ends, _ := api.counts(); ends != 1 {
		t.Fatalf("end ran %d times", ends)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(notices) != 1 {
		t.Fatalf("notices = %v", notices)
	}
	if c.SessionID() != "" {
		t.Fatal("session id should be cleared")
	}
}

func TestServerSideEndTriggersTeardown(t *testing.T) {
	api := &fakeAPI{beatErr: domain.E(domain.CodeNotFound, "test", "gone", nil)}
	conn := &fakeConn{status: domain.StatusConnected}
	got := make(chan string, 1)
	c := New(api, conn, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		Tick:              10 * time.Millisecond,
		OnExpired:         func(n string) { got <- n },
	})
	c.Start("s1", time.Hour)

	select {
	case n := <-got:
		if n != NoticeEndedUpstream {
			t.Fatalf("notice = %q", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no teardown after 404")
	}
	if conn.leaveCount() != 1 {
		t.Fatalf("leaves = %d", conn.leaveCount())
	}
}

func TestResyncFromServer(t *testing.T) {
	api := &fakeAPI{remaining: 10 * time.Minute}
	conn := &fakeConn{status: domain.StatusConnected}
	c := New(api, conn, Options{HeartbeatInterval: 10 * time.Millisecond, Tick: time.Hour})
	c.Start("s1", 20*time.Minute)
	defer c.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { return c.Remaining() <= 10*time.Minute }, "resync")

	// within tolerance the local value is kept
	c.resync(c.current.Load(), c.Remaining()+500*time.Millisecond)
	if c.Remaining() > 10*time.Minute {
		t.Fatal("resync inside tolerance moved the countdown")
	}
}

func TestTeardownFiresBeacon(t *testing.T) {
	api := &fakeAPI{}
	conn := &fakeConn{status: domain.StatusConnected}
	c := New(api, conn, Options{HeartbeatInterval: time.Hour, Tick: time.Hour})
	c.Start("s1", time.Hour)

	c.Teardown(time.Second)
	if conn.leaveCount() != 1 {
		t.Fatalf("leaves = %d", conn.leaveCount())
	}
	api.mu.Lock()
	beacons := append([]string(nil), api.beacons...)
	api.mu.Unlock()
	if len(beacons) != 1 || beacons[0] != "s1" {
		t.Fatalf("beacons = %v", beacons)
	}

	// nothing left to end afterwards
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ends, _ := api.counts(); ends != 0 {
		t.Fatalf("ends = %d", ends)
	}
}

func TestStopEndsSession(t *testing.T) {
	api := &fakeAPI{}
	conn := &fakeConn{status: domain.StatusConnected}
	c := New(api, conn, Options{HeartbeatInterval: time.Hour, Tick: time.Hour})
	c.Start("s1", time.Hour)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ends, _ := api.counts(); ends != 1 {
		t.Fatalf("ends = %d", ends)
	}
}

func (f *fakeAPI) endedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ends...)
}

func TestExpiryLeavesNewerSessionAlone(t *testing.T) {
	api := &fakeAPI{remaining: time.Hour}
	conn := &fakeConn{status: domain.StatusConnected, entered: make(chan struct{}, 1), hold: make(chan struct{})}
	notices := make(chan string, 1)
	c := New(api, conn, Options{
		HeartbeatInterval: time.Hour,
		Tick:              5 * time.Millisecond,
		OnExpired:         func(n string) { notices <- n },
	})
	c.Start("s1", 0)
	select {
	case <-conn.entered:
	case <-time.After(time.Second):
		t.Fatal("expiry never left the channel")
	}

	// a new session is armed while the old expiry is still leaving
	c.Start("s2", time.Hour)
	close(conn.hold)

	waitUntil(t, time.Second, func() bool { return len(api.endedIDs()) == 1 }, "old session ended")
	time.Sleep(30 * time.Millisecond)
	if ends := api.endedIDs(); len(ends) != 1 || ends[0] != "s1" {
		t.Fatalf("ended = %v, want [s1]", ends)
	}
	if got := c.SessionID(); got != "s2" {
		t.Fatalf("session id = %q, want s2", got)
	}
	if r := c.Remaining(); r < 59*time.Minute {
		t.Fatalf("remaining = %s", r)
	}
	select {
	case n := <-notices:
		t.Fatalf("notice %q fired for a replaced session", n)
	default:
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ends := api.endedIDs(); len(ends) != 2 || ends[1] != "s2" {
		t.Fatalf("ended = %v, want [s1 s2]", ends)
	}
}

func TestStopHonorsContext(t *testing.T) {
	hold := make(chan struct{})
	api := &fakeAPI{beatHold: hold}
	conn := &fakeConn{status: domain.StatusConnected}
	c := New(api, conn, Options{HeartbeatInterval: 10 * time.Millisecond, Tick: time.Hour})
	c.Start("s1", time.Hour)
	defer close(hold)

	waitUntil(t, time.Second, func() bool { b, _, _ := api.counts(); return b >= 1 }, "heartbeat in flight")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Stop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("stop took %s", d)
	}
	_, ends, beacons := api.counts()
	if ends != 0 || beacons != 1 {
		t.Fatalf("ends = %d beacons = %d", ends, beacons)
	}
	if c.SessionID() != "" {
		t.Fatal("session id should be cleared")
	}
}
