package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

type recConn struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (r *recConn) TrySend(f core.Frame) error {
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, m)
	r.mu.Unlock()
	return nil
}

func (r *recConn) Close() {}

func (r *recConn) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func (r *recConn) last() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

type stubVerifier struct {
	exp time.Time
	err error
}

func (s stubVerifier) Verify(string, domain.ChannelID, string) (time.Time, error) {
	return s.exp, s.err
}

func newTestController(opts Options) *SignalWSController {
	o := orch.New(app.NewRegistry(), app.NewChannelManager(), app.SimplePolicy{}, sfu.NewRelayManager())
	return NewSignalWSController(o, opts)
}

func connect(ctl *SignalWSController, sid core.SessionID) *recConn {
	conn := &recConn{}
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(user)).UpdateSignal(conn)
	ctl.Orch.Registry.BindSignal(sid, sess, func() {})
	return conn
}

func join(ctl *SignalWSController, sid core.SessionID, conn *recConn, channel, identity string) {
	b, _ := json.Marshal(joinPayload{Type: "join", Channel: channel, AppID: "app", Identity: identity})
	ctl.handleSignal(sid, conn, b)
}

func TestJoinAnnouncesMember(t *testing.T) {
	ctl := newTestController(Options{AppID: "app"})
	a := connect(ctl, "sid-a")
	b := connect(ctl, "sid-b")

	join(ctl, "sid-a", a, "ch1", "alice")
	join(ctl, "sid-b", b, "ch1", "bob")

	joined := b.last()
	if joined["type"] != "joined" || joined["participant_id"] != "sid-b" {
		t.Fatalf("unexpected joined frame %v", joined)
	}
	if members := joined["members"].([]any); len(members) != 2 {
		t.Fatalf("members = %v", members)
	}
	got := a.last()
	if got["type"] != "member_joined" {
		t.Fatalf("alice should see member_joined, got %v", got)
	}
	if p := got["participant"].(map[string]any); p["identity"] != "bob" {
		t.Fatalf("participant = %v", p)
	}
}

func TestJoinRejectsWrongAppID(t *testing.T) {
	ctl := newTestController(Options{AppID: "app"})
	a := connect(ctl, "sid-a")
	ctl.handleSignal("sid-a", a, []byte(`{"type":"join","channel":"ch1","app_id":"other","identity":"alice"}`))

	last := a.last()
	if last["type"] != "error" || last["error"] != "invalid app id" {
		t.Fatalf("unexpected frame %v", last)
	}
	if _, _, ok := ctl.Orch.Registry.ChannelOf("sid-a"); ok {
		t.Fatal("rejected join must not add the member")
	}
}

func TestJoinRejectsBadToken(t *testing.T) {
	ctl := newTestController(Options{AppID: "app", Verifier: stubVerifier{err: errors.New("token is expired")}})
	a := connect(ctl, "sid-a")
	join(ctl, "sid-a", a, "ch1", "alice")

	if last := a.last(); last["type"] != "error" || last["error"] != "invalid token: token is expired" {
		t.Fatalf("unexpected frame %v", last)
	}
}

func TestLeaveNotifiesMates(t *testing.T) {
	ctl := newTestController(Options{AppID: "app"})
	a := connect(ctl, "sid-a")
	b := connect(ctl, "sid-b")
	join(ctl, "sid-a", a, "ch1", "alice")
	join(ctl, "sid-b", b, "ch1", "bob")

	ctl.handleSignal("sid-b", b, []byte(`{"type":"leave"}`))

	if last := b.last(); last["type"] != "left" {
		t.Fatalf("leaver should get left, got %v", last)
	}
	last := a.last()
	if last["type"] != "member_left" || last["reason"] != core.ReasonLeave {
		t.Fatalf("mate should get member_left, got %v", last)
	}
	if ch, ok := ctl.Orch.Channels.Get("ch1"); !ok || ch.MemberCount() != 1 {
		t.Fatal("channel should keep one member")
	}
}

func TestTokenExpiryRemovesMember(t *testing.T) {
	ctl := newTestController(Options{
		AppID:          "app",
		Verifier:       stubVerifier{exp: time.Now().Add(80 * time.Millisecond)},
		WillExpireLead: 50 * time.Millisecond,
	})
	a := connect(ctl, "sid-a")
	join(ctl, "sid-a", a, "ch1", "alice")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := ctl.Orch.Registry.ChannelOf("sid-a"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	types := a.types()
	want := []string{"joined", "token_will_expire", "token_expired"}
	if len(types) != len(want) {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frames = %v, want %v", types, want)
		}
	}
}

func TestUnknownSignalType(t *testing.T) {
	ctl := newTestController(Options{})
	a := connect(ctl, "sid-a")
	ctl.handleSignal("sid-a", a, []byte(`{"type":"dance"}`))
	if last := a.last(); last["error"] != "unknown_type" {
		t.Fatalf("unexpected frame %v", last)
	}
}
