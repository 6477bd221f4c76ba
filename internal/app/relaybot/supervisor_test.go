package relaybot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestHelperProcess is not a real test. The supervisor tests spawn the test
// binary running only this function as a fake relay worker.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode := ""
	for i, a := range os.Args {
		if a == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}
	fakeWorker(mode)
	os.Exit(0)
}

func fakeWorker(mode string) {
	out := json.NewEncoder(os.Stdout)
	send := func(m Message) { _ = out.Encode(m) }

	switch mode {
	case "crash":
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(3)
	case "silent":
		time.Sleep(time.Minute)
		return
	case "unusable":
		send(Message{Type: MsgReady, ProviderAvailable: false, MixerAvailable: true, Error: "provider library missing: libvoice"})
		time.Sleep(time.Minute)
		return
	}

	fmt.Fprintln(os.Stdout, "starting fake worker")
	send(Message{Type: MsgReady, SDKAvailable: true, ProviderAvailable: true, MixerAvailable: true})

	if mode == "flood" {
		for i := 0; i < 250; i++ {
			send(Message{Type: MsgLog, Level: "info", Message: fmt.Sprintf("flood %d", i), Timestamp: Timestamp(time.Now())})
		}
	}

	var channel, uid, file string
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var c Command
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			send(Message{Type: MsgError, Message: "Invalid JSON"})
			continue
		}
		switch c.Command {
		case CmdInit:
			send(Response(c.Command, c.AppID != ""))
		case CmdJoin:
			if mode == "die" {
				send(Message{Type: MsgStatus, Status: "connected", Channel: c.Channel, UID: c.UID})
				os.Exit(1)
			}
			if c.Token == "bad" {
				send(Message{Type: MsgLog, Level: "error", Message: "invalid token"})
				send(Response(c.Command, false))
				continue
			}
			channel, uid = c.Channel, c.UID
			send(Message{Type: MsgStatus, Status: "connected", Channel: channel, UID: uid})
			send(Response(c.Command, true))
		case CmdPlay:
			if mode == "mute" {
				continue
			}
			file = c.File
			send(Message{Type: MsgPlaybackStarted, File: file, Duration: 1000})
			send(Response(c.Command, true))
			send(Message{Type: MsgProgress, Current: 500, Total: 1000, Percent: 50})
			if mode != "hold" {
				send(Message{Type: MsgPlaybackDone, File: file})
				file = ""
			}
		case CmdStop:
			if file != "" {
				send(Message{Type: MsgPlaybackStopped, File: file})
				file = ""
			}
			send(Response(c.Command, true))
		case CmdStatus:
			send(Message{Type: ResponseType(CmdStatus), IsConnected: channel != "", Channel: channel, UID: uid, CurrentFile: file, IsPlaying: file != ""})
		case CmdLeave:
			channel, uid = "", ""
			send(Message{Type: MsgStatus, Status: "disconnected"})
			send(Response(c.Command, true))
		case CmdQuit:
			send(Response(c.Command, true))
			return
		default:
			send(Message{Type: MsgError, Message: "Unknown command: " + c.Command})
		}
	}
}

func helperConfig(mode string) Config {
	cfg := DefaultConfig()
	cfg.Path = os.Args[0]
	cfg.Args = []string{"-test.run=TestHelperProcess", "--", mode}
	cfg.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	cfg.ReadyTimeout = 5 * time.Second
	cfg.CommandTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for: %s", msg)
}

func startHelper(t *testing.T, mode string, m *metrics.Metrics) *Supervisor {
	t.Helper()
	s := New(helperConfig(mode), m)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestSupervisorCommandRoundTrips(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := startHelper(t, "ok", m)
	ctx := context.Background()

	h := s.Handle()
	if !h.Running || !h.Ready || h.PID == 0 {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if !h.Capabilities.SDKAvailable || !h.Capabilities.ProviderAvailable || !h.Capabilities.MixerAvailable {
		t.Fatalf("capabilities not mirrored: %+v", h.Capabilities)
	}

	if err := s.Initialize(ctx, "app"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.JoinChannel(ctx, "lobby", "bot-1", "tok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return s.Status().Connected }, "connected status")
	if st := s.Status(); st.Channel != "lobby" || st.ParticipantID != "bot-1" {
		t.Fatalf("status not mirrored: %+v", st)
	}

	if err := s.PlayFile(ctx, "/srv/a.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		st := s.Status()
		return !st.Playing && st.CurrentFile == "" && st.Duration == 1000
	}, "playback complete")

	st, err := s.RefreshStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Connected || st.Channel != "lobby" || st.Playing {
		t.Fatalf("unexpected refreshed status: %+v", st)
	}

	if err := s.LeaveChannel(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return !s.Status().Connected }, "disconnected status")

	if got := testutil.ToFloat64(m.WorkerCommands.WithLabelValues(CmdJoin, "ok")); got != 1 {
		t.Fatalf("join ok count = %v, want 1", got)
	}

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h := s.Handle(); h.Running || h.Ready {
		t.Fatalf("handle after shutdown: %+v", h)
	}
}

func TestSupervisorStopWhilePlaying(t *testing.T) {
	s := startHelper(t, "hold", nil)
	ctx := context.Background()
	if err := s.PlayFile(ctx, "/srv/long.wav"); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return s.Status().Progress == 500 }, "progress")
	if st := s.Status(); !st.Playing || st.CurrentFile != "/srv/long.wav" {
		t.Fatalf("expected playing: %+v", st)
	}
	if err := s.StopPlayback(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return !s.Status().Playing }, "stopped")
}

func TestSupervisorFailedCommandUsesWorkerDiagnostic(t *testing.T) {
	s := startHelper(t, "ok", nil)
	err := s.JoinChannel(context.Background(), "lobby", "bot-1", "bad")
	if !domain.IsCode(err, domain.CodeJoinFailed) {
		t.Fatalf("expected JoinFailed, got %v", err)
	}
	if got := domain.PublicMessage(err); got != "invalid token" {
		t.Fatalf("message = %q", got)
	}
}

func TestSupervisorRejectsUnusableWorker(t *testing.T) {
	s := New(helperConfig("unusable"), nil)
	h, err := s.Start(context.Background())
	if !domain.IsCode(err, domain.CodeProcessUnavailable) {
		t.Fatalf("expected ProcessUnavailable, got %v", err)
	}
	if got := domain.PublicMessage(err); got != "provider library missing: libvoice" {
		t.Fatalf("diagnostic = %q", got)
	}
	if h.Running || s.Running() {
		t.Fatal("unusable worker should be killed")
	}
	if h.Capabilities.SDKAvailable || !h.Capabilities.MixerAvailable {
		t.Fatalf("capabilities = %+v", h.Capabilities)
	}
	if h.LastError != "provider library missing: libvoice" {
		t.Fatalf("last error = %q", h.LastError)
	}
}

func TestSupervisorExitBeforeReady(t *testing.T) {
	s := New(helperConfig("crash"), nil)
	_, err := s.Start(context.Background())
	if !domain.IsCode(err, domain.CodeProcessUnavailable) {
		t.Fatalf("expected ProcessUnavailable, got %v", err)
	}
	if !strings.Contains(domain.PublicMessage(err), "exited before becoming ready") {
		t.Fatalf("message = %q", domain.PublicMessage(err))
	}
	if s.Running() {
		t.Fatal("crashed worker still marked running")
	}
}

func TestSupervisorReadyTimeout(t *testing.T) {
	cfg := helperConfig("silent")
	cfg.ReadyTimeout = 200 * time.Millisecond
	s := New(cfg, nil)
	_, err := s.Start(context.Background())
	if !domain.IsCode(err, domain.CodeTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if s.Running() {
		t.Fatal("silent worker should be killed")
	}
}

func TestSupervisorCommandTimeout(t *testing.T) {
	cfg := helperConfig("mute")
	cfg.CommandTimeout = 200 * time.Millisecond
	s := New(cfg, nil)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	start := time.Now()
	err := s.PlayFile(context.Background(), "/srv/a.wav")
	if !domain.IsCode(err, domain.CodeTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout took too long")
	}
	if err := s.Initialize(context.Background(), "app"); err != nil {
		t.Fatalf("worker unusable after timeout: %v", err)
	}
}

func TestSupervisorWithoutProcess(t *testing.T) {
	s := New(helperConfig("ok"), nil)
	err := s.PlayFile(context.Background(), "/srv/a.wav")
	if !domain.IsCode(err, domain.CodeProcessUnavailable) {
		t.Fatalf("expected ProcessUnavailable, got %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without process: %v", err)
	}
}

func TestSupervisorExitAfterReadyResetsStatus(t *testing.T) {
	s := New(helperConfig("die"), nil)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := s.JoinChannel(context.Background(), "lobby", "bot-1", "tok")
	if !domain.IsCode(err, domain.CodeProcessUnavailable) {
		t.Fatalf("expected ProcessUnavailable, got %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return !s.Running() }, "exit observed")
	h := s.Handle()
	if h.Status.Connected || h.Status.Playing || h.Ready {
		t.Fatalf("status not reset: %+v", h)
	}
	if !strings.Contains(h.LastError, "exited") {
		t.Fatalf("last error = %q", h.LastError)
	}
}

func TestSupervisorLogRingIsBounded(t *testing.T) {
	s := startHelper(t, "flood", nil)
	// started + ready + 250 worker lines, trimmed to 100 once 200 is exceeded
	waitUntil(t, 2*time.Second, func() bool {
		logs := s.Logs()
		return len(logs) > 0 && logs[len(logs)-1].Message == "flood 249"
	}, "flood drained")
	logs := s.Logs()
	if len(logs) != 151 {
		t.Fatalf("len = %d, want 151", len(logs))
	}
	if logs[0].Message != "flood 99" {
		t.Fatalf("oldest = %q", logs[0].Message)
	}
}

func TestSupervisorUnknownCommandError(t *testing.T) {
	s := startHelper(t, "ok", nil)
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if err := s.send(p, Command{Command: "dance"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return s.Handle().LastError == "Unknown command: dance" }, "error mirrored")
}
