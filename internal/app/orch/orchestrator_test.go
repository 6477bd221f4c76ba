package orch

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

type fakeSignal struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("backpressure")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func newTestOrchestrator() *Orchestrator {
	return New(app.NewRegistry(), app.NewChannelManager(), app.SimplePolicy{}, sfu.NewRelayManager())
}

func bind(o *Orchestrator, sid core.SessionID, sig core.SignalConnection) (cancelled *bool) {
	c := false
	user := o.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(sig)
	o.Registry.BindSignal(sid, sess, func() { c = true })
	return &c
}

func TestJoinMovesBetweenChannels(t *testing.T) {
	o := newTestOrchestrator()
	bind(o, "a", &fakeSignal{})

	o.Join("a", "ch1")
	if ch, _, ok := o.Registry.ChannelOf("a"); !ok || ch != "ch1" {
		t.Fatalf("channel = %q, %v", ch, ok)
	}

	o.Join("a", "ch2")
	if _, ok := o.Channels.Get("ch1"); ok {
		t.Fatal("empty channel ch1 should be stopped")
	}
	ch2, ok := o.Channels.Get("ch2")
	if !ok || ch2.MemberCount() != 1 {
		t.Fatal("member should be in ch2")
	}
}

func TestBroadcastKicksSlowMember(t *testing.T) {
	o := newTestOrchestrator()
	fast := &fakeSignal{}
	slow := &fakeSignal{full: true}
	bind(o, "from", &fakeSignal{})
	bind(o, "fast", fast)
	cancelled := bind(o, "slow", slow)
	for _, sid := range []core.SessionID{"from", "fast", "slow"} {
		o.Join(sid, "ch")
	}

	res := o.Broadcast("ch", "from", core.Frame(`{"type":"member_joined"}`))
	if res.SendTo != 1 || len(res.Dropped) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(fast.frames) != 1 {
		t.Fatalf("fast member got %d frames", len(fast.frames))
	}
	if _, _, ok := o.Registry.ChannelOf("slow"); ok {
		t.Fatal("slow member should be kicked")
	}
	if !*cancelled {
		t.Fatal("slow member signaling should be cancelled")
	}
}

func TestBroadcastUnknownChannel(t *testing.T) {
	o := newTestOrchestrator()
	if res := o.Broadcast("nope", "x", core.Frame("{}")); res.SendTo != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}
