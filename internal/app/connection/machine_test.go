package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func testOptions() Options {
	return Options{SampleInterval: 10 * time.Millisecond, PlaybackPoll: 10 * time.Millisecond}
}

func joined(t *testing.T) (*Machine, *fakeGateway, *fakeClient) {
	t.Helper()
	gw := newFakeGateway()
	m := New(gw, testOptions())
	if _, err := m.Join(context.Background(), "app", "ch1", "", "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c := gw.lastClient()
	c.connect()
	return m, gw, c
}

func TestJoinBeforeReadyIsNotReady(t *testing.T) {
	gw := newFakeGateway()
	gw.setReady(false)
	m := New(gw, testOptions())

	_, err := m.Join(context.Background(), "app", "ch1", "", "u1")
	if !domain.IsCode(err, domain.CodeNotReady) {
		t.Fatalf("err = %v, want NOT_READY", err)
	}
	if m.Status() != domain.StatusDisconnected {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestJoinValidation(t *testing.T) {
	m := New(newFakeGateway(), testOptions())
	cases := []struct {
		app, ch, id string
	}{
		{"", "ch1", "u1"},
		{"app", "", "u1"},
		{"app", "bad channel", "u1"},
		{"app", "ch1", ""},
	}
	for _, tc := range cases {
		_, err := m.Join(context.Background(), tc.app, domain.ChannelID(tc.ch), "", tc.id)
		if !domain.IsCode(err, domain.CodeValidationFailed) {
			t.Errorf("Join(%q,%q,%q) err = %v", tc.app, tc.ch, tc.id, err)
		}
	}
}

func TestConnectedOnlyAfterProviderSaysSo(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, testOptions())
	pid, err := m.Join(context.Background(), "app", "ch1", "", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if pid != "self" {
		t.Fatalf("pid = %s", pid)
	}
	if m.Status() != domain.StatusConnecting {
		t.Fatalf("status after join = %s, want connecting", m.Status())
	}

	c := gw.lastClient()
	c.connect()
	if m.Status() != domain.StatusConnected {
		t.Fatalf("status = %s, want connected", m.Status())
	}

	c.emit(core.Event{Kind: core.EventConnectionStateChange, State: core.ProviderReconnecting})
	if m.Status() != domain.StatusReconnecting {
		t.Fatalf("status = %s, want reconnecting", m.Status())
	}
	if gw.mics[0].isClosed() {
		t.Fatal("reconnecting must keep the microphone")
	}
	c.connect()
	if m.Status() != domain.StatusConnected {
		t.Fatalf("status = %s after recovery", m.Status())
	}
}

func TestStatusFollowsEveryProviderState(t *testing.T) {
	tests := []struct {
		state core.ProviderState
		want  domain.ConnectionStatus
	}{
		{core.ProviderConnected, domain.StatusConnected},
		{core.ProviderConnecting, domain.StatusReconnecting},
		{core.ProviderReconnecting, domain.StatusReconnecting},
		{core.ProviderDisconnecting, domain.StatusReconnecting},
		{core.ProviderDisconnected, domain.StatusDisconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			m, _, c := joined(t)
			c.emit(core.Event{Kind: core.EventConnectionStateChange, State: tt.state, PrevState: core.ProviderConnected, Reason: "NETWORK_ERROR"})
			if got := m.Status(); got != tt.want {
				t.Fatalf("after %s: status = %s, want %s", tt.state, got, tt.want)
			}
			if tt.state != core.ProviderDisconnected {
				c.connect()
				if got := m.Status(); got != domain.StatusConnected {
					t.Fatalf("after %s and recovery: status = %s", tt.state, got)
				}
			}
			_ = m.Leave(context.Background())
		})
	}
}

func TestConnectingBeforeFirstConnectStaysConnecting(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, testOptions())
	if _, err := m.Join(context.Background(), "app", "ch1", "", "u1"); err != nil {
		t.Fatal(err)
	}
	gw.lastClient().emit(core.Event{Kind: core.EventConnectionStateChange, State: core.ProviderConnecting, PrevState: core.ProviderDisconnected})
	if m.Status() != domain.StatusConnecting {
		t.Fatalf("status = %s, want connecting", m.Status())
	}
}

func TestMicrophoneStartsMuted(t *testing.T) {
	m, gw, c := joined(t)
	mic := gw.mics[0]
	if mic.Enabled() {
		t.Fatal("microphone must be disabled after join")
	}
	if !c.isPublished(mic) {
		t.Fatal("microphone not published")
	}
	if !m.State().Muted {
		t.Fatal("state should report muted")
	}

	muted, err := m.ToggleMute()
	if err != nil || muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	if !mic.Enabled() {
		t.Fatal("microphone should be enabled after unmute")
	}
}

func TestJoinFailureCarriesProviderMessage(t *testing.T) {
	gw := newFakeGateway()
	gw.joinErr = errors.New("invalid token")
	m := New(gw, testOptions())

	_, err := m.Join(context.Background(), "app", "ch1", "tok", "u1")
	if !domain.IsCode(err, domain.CodeJoinFailed) {
		t.Fatalf("err = %v", err)
	}
	if domain.PublicMessage(err) != "invalid token" {
		t.Fatalf("message = %q", domain.PublicMessage(err))
	}
	if m.Status() != domain.StatusError {
		t.Fatalf("status = %s, want error", m.Status())
	}

	// error is terminal until leave
	if err := m.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Status() != domain.StatusDisconnected {
		t.Fatalf("status = %s", m.Status())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := New(newFakeGateway(), testOptions())
	for i := 0; i < 2; i++ {
		if err := m.Leave(context.Background()); err != nil {
			t.Fatalf("leave %d: %v", i, err)
		}
		if m.Status() != domain.StatusDisconnected {
			t.Fatalf("status = %s", m.Status())
		}
	}

	m2, _, _ := joined(t)
	for i := 0; i < 2; i++ {
		if err := m2.Leave(context.Background()); err != nil {
			t.Fatalf("leave %d: %v", i, err)
		}
		if m2.Status() != domain.StatusDisconnected {
			t.Fatalf("status = %s", m2.Status())
		}
	}
}

func TestLeaveTearsDownInOrder(t *testing.T) {
	m, gw, c := joined(t)
	ctx := context.Background()
	if err := m.LoadFile(ctx, "a.wav"); err != nil {
		t.Fatal(err)
	}
	if err := m.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(ctx); err != nil {
		t.Fatal(err)
	}

	unpub := gw.rec.index("unpublish:file:a.wav")
	micClose := gw.rec.index("close:mic")
	leave := gw.rec.index("leave")
	if unpub < 0 || micClose < 0 || leave < 0 {
		t.Fatalf("missing teardown step in %v", gw.rec.list())
	}
	if !(unpub < micClose && micClose < leave) {
		t.Fatalf("teardown order %v", gw.rec.list())
	}
	if n := c.handlerCount(); n != 0 {
		t.Fatalf("%d listeners left registered", n)
	}
	st := m.State()
	if st.Status != domain.StatusDisconnected || len(st.Participants) != 0 || st.File != nil {
		t.Fatalf("state not reset: %+v", st)
	}
}

func TestRepeatedJoinLeaveDoesNotAccumulateListeners(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, testOptions())
	for i := 0; i < 3; i++ {
		if _, err := m.Join(context.Background(), "app", "ch1", "", "u1"); err != nil {
			t.Fatal(err)
		}
		if err := m.Leave(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	for i, c := range gw.clients {
		if n := c.handlerCount(); n != 0 {
			t.Fatalf("client %d kept %d listeners", i, n)
		}
	}
}

func TestRemoteParticipantLifecycle(t *testing.T) {
	m, _, c := joined(t)
	c.emit(core.Event{Kind: core.EventUserJoined, Participant: "p2"})
	c.emit(core.Event{Kind: core.EventUserPublished, Participant: "p2", Media: core.MediaAudio})
	waitUntil(t, time.Second, func() bool {
		ps := m.State().Participants
		return len(ps) == 1 && ps[0].HasAudio
	}, "participant subscribed")

	c.remote("p2").setLevel(0.4)
	waitUntil(t, time.Second, func() bool {
		ps := m.State().Participants
		return len(ps) == 1 && ps[0].IsSpeaking
	}, "participant speaking")

	c.emit(core.Event{Kind: core.EventUserUnpublished, Participant: "p2", Media: core.MediaAudio})
	ps := m.State().Participants
	if len(ps) != 1 || ps[0].HasAudio || ps[0].IsSpeaking {
		t.Fatalf("after unpublish: %+v", ps)
	}

	c.emit(core.Event{Kind: core.EventUserLeft, Participant: "p2"})
	if ps := m.State().Participants; len(ps) != 0 {
		t.Fatalf("after leave: %+v", ps)
	}
}

func TestLocalSpeakingNeedsUnmute(t *testing.T) {
	m, gw, _ := joined(t)
	gw.mics[0].setLevel(0.5)
	time.Sleep(50 * time.Millisecond)
	if m.State().LocalSpeaking {
		t.Fatal("muted microphone cannot be speaking")
	}
	if _, err := m.ToggleMute(); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, time.Second, func() bool { return m.State().LocalSpeaking }, "local speaking")
}

func TestProviderDisconnectTearsDown(t *testing.T) {
	m, gw, c := joined(t)
	c.emit(core.Event{Kind: core.EventConnectionStateChange, State: core.ProviderDisconnected, PrevState: core.ProviderConnected, Reason: "NETWORK_ERROR"})
	if m.Status() != domain.StatusDisconnected {
		t.Fatalf("status = %s", m.Status())
	}
	waitUntil(t, time.Second, func() bool { return gw.mics[0].isClosed() }, "microphone released")
	waitUntil(t, time.Second, func() bool { return c.handlerCount() == 0 }, "listeners removed")

	logs := m.Logs()
	found := false
	for _, e := range logs {
		if e.Kind == domain.LogError {
			found = true
		}
	}
	if !found {
		t.Fatal("provider disconnect should be logged as an error")
	}
}

func TestTokenExpiryIsError(t *testing.T) {
	m, _, c := joined(t)
	c.emit(core.Event{Kind: core.EventTokenDidExpire})
	if m.Status() != domain.StatusError {
		t.Fatalf("status = %s", m.Status())
	}
	// a late CONNECTED must not clear the error
	c.connect()
	if m.Status() != domain.StatusError {
		t.Fatalf("status = %s after late event", m.Status())
	}
}

func TestEventsAfterLeaveAreIgnored(t *testing.T) {
	m, _, c := joined(t)
	if err := m.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.connect()
	if m.Status() != domain.StatusDisconnected {
		t.Fatalf("stale event moved status to %s", m.Status())
	}
}

func TestVolumeBounds(t *testing.T) {
	m, gw, _ := joined(t)
	for _, v := range []int{-1, 201} {
		if err := m.SetMicrophoneVolume(v); !domain.IsCode(err, domain.CodeValidationFailed) {
			t.Errorf("SetMicrophoneVolume(%d) = %v", v, err)
		}
		if err := m.SetFileVolume(v); !domain.IsCode(err, domain.CodeValidationFailed) {
			t.Errorf("SetFileVolume(%d) = %v", v, err)
		}
	}
	if err := m.SetMicrophoneVolume(150); err != nil {
		t.Fatal(err)
	}
	gw.mics[0].mu.Lock()
	vol := gw.mics[0].volume
	gw.mics[0].mu.Unlock()
	if vol != 150 {
		t.Fatalf("mic volume = %d", vol)
	}
}

func TestSecondFileUnpublishesFirst(t *testing.T) {
	m, gw, c := joined(t)
	ctx := context.Background()
	if err := m.LoadFile(ctx, "a.wav"); err != nil {
		t.Fatal(err)
	}
	if err := m.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadFile(ctx, "b.wav"); err != nil {
		t.Fatal(err)
	}
	if err := m.Play(ctx); err != nil {
		t.Fatal(err)
	}

	if c.maxFilesLive != 1 {
		t.Fatalf("%d file tracks were published at once", c.maxFilesLive)
	}
	if !gw.files[0].isClosed() {
		t.Fatal("first file track not released")
	}
	if gw.rec.index("unpublish:file:a.wav") > gw.rec.index("publish:file:b.wav") {
		t.Fatalf("order %v", gw.rec.list())
	}
}

func TestPlaybackControls(t *testing.T) {
	m, gw, c := joined(t)
	ctx := context.Background()

	if err := m.Play(ctx); !domain.IsCode(err, domain.CodeValidationFailed) {
		t.Fatalf("Play without file = %v", err)
	}
	if err := m.LoadFile(ctx, "missing.wav"); !domain.IsCode(err, domain.CodePlaybackFailed) {
		t.Fatalf("LoadFile(missing) = %v", err)
	}
	if err := m.LoadFile(ctx, "a.wav"); err != nil {
		t.Fatal(err)
	}
	f := gw.files[0]
	if err := m.Pause(); !domain.IsCode(err, domain.CodeValidationFailed) {
		t.Fatalf("Pause before play = %v", err)
	}
	if err := m.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	if st := m.State().File; st == nil || !st.Paused {
		t.Fatalf("file state %+v", st)
	}
	if err := m.Resume(); err != nil {
		t.Fatal(err)
	}
	if err := m.Seek(20 * time.Second); !domain.IsCode(err, domain.CodeValidationFailed) {
		t.Fatalf("Seek past end = %v", err)
	}
	if err := m.Seek(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if f.CurrentTime() != 3*time.Second {
		t.Fatalf("seek not applied: %v", f.CurrentTime())
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if c.isPublished(f) {
		t.Fatal("stop must unpublish the file track")
	}
	if st := m.State().File; st == nil || st.Playing {
		t.Fatalf("file state after stop %+v", st)
	}
}

func TestPlaybackAutoStopsAtEnd(t *testing.T) {
	m, gw, c := joined(t)
	ctx := context.Background()
	if err := m.LoadFile(ctx, "a.wav"); err != nil {
		t.Fatal(err)
	}
	if err := m.Play(ctx); err != nil {
		t.Fatal(err)
	}
	f := gw.files[0]
	f.Seek(f.Duration())

	waitUntil(t, time.Second, func() bool {
		st := m.State().File
		return st != nil && !st.Playing
	}, "playback auto stop")
	if c.isPublished(f) {
		t.Fatal("finished file must be unpublished")
	}
}

func TestFileOpsNeedConnection(t *testing.T) {
	m := New(newFakeGateway(), testOptions())
	if err := m.LoadFile(context.Background(), "a.wav"); !domain.IsCode(err, domain.CodeNotReady) {
		t.Fatalf("LoadFile while disconnected = %v", err)
	}
	if _, err := m.ToggleMute(); !domain.IsCode(err, domain.CodeNotReady) {
		t.Fatalf("ToggleMute while disconnected = %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	gw := newFakeGateway()
	gw.setReady(false)
	err := WaitReady(context.Background(), gw, time.Millisecond, 3)
	if !domain.IsCode(err, domain.CodeNotReady) {
		t.Fatalf("err = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		gw.setReady(true)
	}()
	if err := WaitReady(context.Background(), gw, 5*time.Millisecond, 100); err != nil {
		t.Fatalf("err = %v", err)
	}
}
