// Package relaybot supervises the single relay worker process that plays
// server-side files into a channel under the bot identity.
package relaybot

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app/logring"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/dkeye/voicelink/internal/metrics"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Path string
	Args []string
	// Env is appended to the server's environment.
	Env []string

	ReadyTimeout    time.Duration
	CommandTimeout  time.Duration
	ShutdownTimeout time.Duration

	LogCapacity int
	LogTrimTo   int
}

func DefaultConfig() Config {
	return Config{
		ReadyTimeout:    10 * time.Second,
		CommandTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		LogCapacity:     200,
		LogTrimTo:       100,
	}
}

// process is one spawned worker. Events from a process that is no longer
// current are ignored.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ready chan Message
	done  chan struct{}

	readyOnce sync.Once
	exitErr   error
}

type Supervisor struct {
	cfg     Config
	metrics *metrics.Metrics
	logs    *logring.Ring

	// lifeMu serializes Start and Shutdown.
	lifeMu sync.Mutex

	mu       sync.Mutex
	proc     *process
	handle   domain.BotProcessHandle
	pending  map[string]chan Message
	errSeq   uint64
	writeMux sync.Mutex
}

func New(cfg Config, m *metrics.Metrics) *Supervisor {
	def := DefaultConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = def.LogCapacity
	}
	if cfg.LogTrimTo <= 0 {
		cfg.LogTrimTo = def.LogTrimTo
	}
	return &Supervisor{
		cfg:     cfg,
		metrics: m,
		logs:    logring.New(cfg.LogCapacity, cfg.LogTrimTo),
		pending: make(map[string]chan Message),
	}
}

// Handle returns a snapshot of the worker state.
func (s *Supervisor) Handle() domain.BotProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) Status() domain.BotStatus {
	return s.Handle().Status
}

func (s *Supervisor) Logs() []domain.LogEntry {
	return s.logs.Entries()
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Start spawns the worker and waits for its ready handshake. Starting an
// already running worker returns its handle.
func (s *Supervisor) Start(ctx context.Context) (domain.BotProcessHandle, error) {
	const op = "relaybot.Start"
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.Running() {
		return s.Handle(), nil
	}
	if s.cfg.Path == "" {
		return domain.BotProcessHandle{}, domain.E(domain.CodeProcessUnavailable, op, "relay worker path is not configured", nil)
	}

	cmd := exec.Command(s.cfg.Path, s.cfg.Args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return domain.BotProcessHandle{}, domain.E(domain.CodeInternal, op, "", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.BotProcessHandle{}, domain.E(domain.CodeInternal, op, "", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.BotProcessHandle{}, domain.E(domain.CodeInternal, op, "", err)
	}
	if err := cmd.Start(); err != nil {
		msg := fmt.Sprintf("failed to start relay worker: %v", err)
		s.setLastError(msg)
		return s.Handle(), domain.E(domain.CodeProcessUnavailable, op, msg, err)
	}

	p := &process{
		cmd:   cmd,
		stdin: stdin,
		ready: make(chan Message, 1),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.proc = p
	s.handle = domain.BotProcessHandle{PID: cmd.Process.Pid, Running: true}
	s.mu.Unlock()

	l := log.With().Str("module", "relaybot").Int("pid", cmd.Process.Pid).Logger()
	l.Info().Str("path", s.cfg.Path).Msg("relay worker spawned")
	s.logs.Append(domain.LogInfo, "Relay worker started")

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readStdout(p, stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		s.exited(p)
		close(p.done)
	}()

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case msg := <-p.ready:
		caps := domain.BotCapabilities{
			SDKAvailable:      msg.SDKAvailable,
			ProviderAvailable: msg.ProviderAvailable,
			MixerAvailable:    msg.MixerAvailable,
		}
		s.mu.Lock()
		s.handle.Capabilities = caps
		s.mu.Unlock()
		if !msg.SDKAvailable {
			diag := msg.Error
			if diag == "" {
				diag = "relay worker is missing required capabilities"
			}
			l.Error().Str("reason", diag).Msg("relay worker unusable")
			s.kill(p)
			<-p.done
			s.setLastError(diag)
			return s.Handle(), domain.E(domain.CodeProcessUnavailable, op, diag, nil)
		}
		s.mu.Lock()
		s.handle.Ready = true
		s.handle.LastError = ""
		h := s.handle
		s.mu.Unlock()
		l.Info().Interface("capabilities", caps).Msg("relay worker ready")
		return h, nil

	case <-p.done:
		diag := "relay worker exited before becoming ready"
		if p.exitErr != nil {
			diag = fmt.Sprintf("%s: %v", diag, p.exitErr)
		}
		s.setLastError(diag)
		return s.Handle(), domain.E(domain.CodeProcessUnavailable, op, diag, p.exitErr)

	case <-timer.C:
		diag := fmt.Sprintf("relay worker not ready after %s", s.cfg.ReadyTimeout)
		s.kill(p)
		<-p.done
		s.setLastError(diag)
		return s.Handle(), domain.E(domain.CodeTimeout, op, diag, nil)

	case <-ctx.Done():
		s.kill(p)
		<-p.done
		return s.Handle(), domain.E(domain.CodeTimeout, op, "relay worker start cancelled", ctx.Err())
	}
}

func (s *Supervisor) Initialize(ctx context.Context, appID string) error {
	return s.expect(ctx, "relaybot.Initialize", Command{Command: CmdInit, AppID: appID}, domain.CodeInternal, "relay worker failed to initialize")
}

func (s *Supervisor) JoinChannel(ctx context.Context, channel, uid, token string) error {
	const op = "relaybot.JoinChannel"
	if channel == "" || uid == "" {
		return domain.E(domain.CodeValidationFailed, op, "channel and uid are required", nil)
	}
	return s.expect(ctx, op, Command{Command: CmdJoin, Channel: channel, UID: uid, Token: token}, domain.CodeJoinFailed, "relay worker failed to join channel")
}

func (s *Supervisor) PlayFile(ctx context.Context, path string) error {
	const op = "relaybot.PlayFile"
	if path == "" {
		return domain.E(domain.CodeValidationFailed, op, "file path is required", nil)
	}
	return s.expect(ctx, op, Command{Command: CmdPlay, File: path}, domain.CodePlaybackFailed, "relay worker failed to play file")
}

func (s *Supervisor) StopPlayback(ctx context.Context) error {
	return s.expect(ctx, "relaybot.StopPlayback", Command{Command: CmdStop}, domain.CodePlaybackFailed, "relay worker failed to stop playback")
}

func (s *Supervisor) LeaveChannel(ctx context.Context) error {
	return s.expect(ctx, "relaybot.LeaveChannel", Command{Command: CmdLeave}, domain.CodeInternal, "relay worker failed to leave channel")
}

// RefreshStatus asks the worker for its status and replaces the local mirror.
func (s *Supervisor) RefreshStatus(ctx context.Context) (domain.BotStatus, error) {
	msg, err := s.request(ctx, "relaybot.RefreshStatus", Command{Command: CmdStatus}, s.cfg.CommandTimeout)
	if err != nil {
		return s.Status(), err
	}
	st := domain.BotStatus{
		Connected:     msg.IsConnected,
		Playing:       msg.IsPlaying,
		Channel:       msg.Channel,
		ParticipantID: msg.UID,
		CurrentFile:   msg.CurrentFile,
		Progress:      msg.PlaybackProgress,
		Duration:      msg.PlaybackDuration,
	}
	s.mu.Lock()
	s.handle.Status = st
	s.mu.Unlock()
	return st, nil
}

// Shutdown asks the worker to quit and kills it if it does not exit in time.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	if _, err := s.request(ctx, "relaybot.Shutdown", Command{Command: CmdQuit}, s.cfg.ShutdownTimeout); err != nil {
		log.Warn().Str("module", "relaybot").Err(err).Msg("relay worker did not acknowledge quit")
	}
	_ = p.stdin.Close()

	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		log.Warn().Str("module", "relaybot").Msg("relay worker did not exit, killing")
		s.kill(p)
		<-p.done
	}
	return nil
}

// expect runs a command whose response only carries success.
func (s *Supervisor) expect(ctx context.Context, op string, c Command, failCode domain.Code, failMsg string) error {
	s.mu.Lock()
	seq := s.errSeq
	s.mu.Unlock()

	msg, err := s.request(ctx, op, c, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if msg.OK() {
		return nil
	}
	s.mu.Lock()
	if s.errSeq != seq && s.handle.LastError != "" {
		failMsg = s.handle.LastError
	}
	s.mu.Unlock()
	return domain.E(failCode, op, failMsg, nil)
}

// request writes c and waits for the response of the same command. Only one
// caller per response type is tracked; a newer request replaces an older one.
func (s *Supervisor) request(ctx context.Context, op string, c Command, timeout time.Duration) (Message, error) {
	rt := ResponseType(c.Command)
	ch := make(chan Message, 1)

	s.mu.Lock()
	p := s.proc
	if p == nil || !s.handle.Ready {
		s.mu.Unlock()
		s.metrics.RecordWorkerCommand(c.Command, "unavailable")
		return Message{}, domain.E(domain.CodeProcessUnavailable, op, "relay worker is not running", nil)
	}
	s.pending[rt] = ch
	s.mu.Unlock()

	if err := s.send(p, c); err != nil {
		s.dropPending(rt, ch)
		s.metrics.RecordWorkerCommand(c.Command, "unavailable")
		return Message{}, domain.E(domain.CodeProcessUnavailable, op, "relay worker is not accepting commands", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			s.metrics.RecordWorkerCommand(c.Command, "unavailable")
			return Message{}, domain.E(domain.CodeProcessUnavailable, op, "relay worker exited", nil)
		}
		result := "ok"
		if msg.Success != nil && !*msg.Success {
			result = "failed"
		}
		s.metrics.RecordWorkerCommand(c.Command, result)
		return msg, nil
	case <-timer.C:
		s.dropPending(rt, ch)
		s.metrics.RecordWorkerCommand(c.Command, "timeout")
		log.Warn().Str("module", "relaybot").Str("command", c.Command).Dur("timeout", timeout).Msg("relay worker command timed out")
		return Message{}, domain.E(domain.CodeTimeout, op, fmt.Sprintf("relay worker did not answer %q in time", c.Command), nil)
	case <-ctx.Done():
		s.dropPending(rt, ch)
		s.metrics.RecordWorkerCommand(c.Command, "timeout")
		return Message{}, domain.E(domain.CodeTimeout, op, "request cancelled", ctx.Err())
	}
}

func (s *Supervisor) dropPending(rt string, ch chan Message) {
	s.mu.Lock()
	if s.pending[rt] == ch {
		delete(s.pending, rt)
	}
	s.mu.Unlock()
}

func (s *Supervisor) send(p *process, c Command) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.writeMux.Lock()
	defer s.writeMux.Unlock()
	_, err = p.stdin.Write(b)
	return err
}

func (s *Supervisor) kill(p *process) {
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Str("module", "relaybot").Err(err).Msg("kill relay worker")
		}
	}
}

func (s *Supervisor) setLastError(msg string) {
	s.mu.Lock()
	s.handle.LastError = msg
	s.errSeq++
	s.mu.Unlock()
}

func (s *Supervisor) readStdout(p *process, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug().Str("module", "relaybot").Str("line", string(line)).Msg("non-protocol output from relay worker")
			continue
		}
		s.dispatch(p, msg)
	}
	if err := sc.Err(); err != nil {
		log.Warn().Str("module", "relaybot").Err(err).Msg("relay worker stdout")
	}
}

func (s *Supervisor) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug().Str("module", "relaybot").Str("stream", "stderr").Msg(sc.Text())
	}
}

func (s *Supervisor) dispatch(p *process, msg Message) {
	s.mu.Lock()
	current := s.proc == p
	s.mu.Unlock()
	if !current {
		return
	}

	if msg.Type == MsgReady {
		p.readyOnce.Do(func() {
			p.ready <- msg
			s.logs.Append(domain.LogSuccess, "Relay worker ready")
		})
		return
	}
	if IsResponse(msg.Type) {
		s.mu.Lock()
		ch, ok := s.pending[msg.Type]
		delete(s.pending, msg.Type)
		s.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			log.Debug().Str("module", "relaybot").Str("type", msg.Type).Msg("response without pending request")
		}
		return
	}
	s.mirror(msg)
}

// mirror folds unsolicited messages into the local status and log ring.
func (s *Supervisor) mirror(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.handle.Status
	switch msg.Type {
	case MsgStatus:
		switch msg.Status {
		case "connected":
			st.Connected = true
			st.Channel = msg.Channel
			st.ParticipantID = msg.UID
		case "disconnected":
			*st = domain.BotStatus{}
		}
	case MsgProgress:
		st.Progress = msg.Current
		st.Duration = msg.Total
	case MsgPlaybackStarted:
		st.Playing = true
		st.CurrentFile = msg.File
		st.Duration = msg.Duration
		st.Progress = 0
	case MsgPlaybackDone, MsgPlaybackStopped:
		st.Playing = false
		st.CurrentFile = ""
		st.Progress = 0
	case MsgLog:
		kind := logKind(msg.Level)
		if kind == domain.LogError {
			s.handle.LastError = msg.Message
			s.errSeq++
		}
		s.logs.Add(domain.LogEntry{Kind: kind, Message: msg.Message, Timestamp: Unix(msg.Timestamp)})
	case MsgError:
		s.handle.LastError = msg.Message
		s.errSeq++
		s.logs.Append(domain.LogError, msg.Message)
		log.Warn().Str("module", "relaybot").Str("error", msg.Message).Msg("relay worker reported error")
	default:
		log.Debug().Str("module", "relaybot").Str("type", msg.Type).Msg("unknown message from relay worker")
	}
}

func (s *Supervisor) exited(p *process) {
	s.mu.Lock()
	if s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.handle.Running = false
	s.handle.Ready = false
	s.handle.PID = 0
	s.handle.Status.Connected = false
	s.handle.Status.Playing = false
	s.handle.Status.CurrentFile = ""
	s.handle.Status.Progress = 0
	if p.exitErr != nil {
		s.handle.LastError = fmt.Sprintf("relay worker exited: %v", p.exitErr)
		s.errSeq++
	}
	for rt, ch := range s.pending {
		close(ch)
		delete(s.pending, rt)
	}
	s.mu.Unlock()

	ev := log.Info()
	if p.exitErr != nil {
		ev = log.Warn().Err(p.exitErr)
	}
	ev.Str("module", "relaybot").Msg("relay worker exited")
	s.logs.Append(domain.LogWarning, "Relay worker exited")
}

func logKind(level string) domain.LogKind {
	switch level {
	case "success":
		return domain.LogSuccess
	case "warning", "warn":
		return domain.LogWarning
	case "error":
		return domain.LogError
	default:
		return domain.LogInfo
	}
}
