// Package worker is the relay worker side of the line-delimited JSON protocol
// spoken with relaybot.Supervisor. It joins a channel under the bot identity
// and plays server-resident files through a buffer track.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app/relaybot"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// ProviderError explains why gw is unusable. Empty means the gateway loaded.
	ProviderError    string
	ProgressInterval time.Duration
	JoinTimeout      time.Duration
}

type playback struct {
	file   string
	client core.ProviderClient
	track  core.BufferTrack
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

type Worker struct {
	gw   core.Gateway
	opts Options

	outMu sync.Mutex
	out   *json.Encoder

	mu          sync.Mutex
	appID       string
	initialized bool
	client      core.ProviderClient
	offs        []func()
	channel     string
	uid         string
	play        *playback
	progress    int64
	duration    int64
}

func New(gw core.Gateway, opts Options) *Worker {
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 15 * time.Second
	}
	return &Worker{gw: gw, opts: opts}
}

func (w *Worker) capabilities() relaybot.Message {
	provider := w.gw != nil && w.gw.Ready() && w.opts.ProviderError == ""
	msg := relaybot.Message{
		Type:              relaybot.MsgReady,
		ProviderAvailable: provider,
		MixerAvailable:    true,
		SDKAvailable:      provider,
	}
	if !provider {
		msg.Error = w.opts.ProviderError
		if msg.Error == "" {
			msg.Error = "voice provider is not available"
		}
	}
	return msg
}

// Run announces readiness on out, then serves commands from in until quit,
// EOF or ctx cancellation.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w.outMu.Lock()
	w.out = json.NewEncoder(out)
	w.outMu.Unlock()
	ready := w.capabilities()
	w.send(ready)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			b := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	defer w.cleanup()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			if quit := w.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, line []byte) (quit bool) {
	var c relaybot.Command
	if err := json.Unmarshal(line, &c); err != nil {
		w.send(relaybot.Message{Type: relaybot.MsgError, Message: fmt.Sprintf("Invalid JSON: %v", err)})
		return false
	}
	l := log.With().Str("module", "worker").Str("command", c.Command).Logger()
	l.Debug().Msg("command received")

	switch c.Command {
	case relaybot.CmdInit:
		w.respond(c.Command, w.initialize(c.AppID))
	case relaybot.CmdJoin:
		w.respond(c.Command, w.join(ctx, c.Channel, c.UID, c.Token))
	case relaybot.CmdPlay:
		w.respond(c.Command, w.playFile(ctx, c.File))
	case relaybot.CmdStop:
		w.stopPlayback()
		w.respond(c.Command, true)
	case relaybot.CmdLeave:
		w.leave(ctx)
		w.respond(c.Command, true)
	case relaybot.CmdStatus:
		w.send(w.status())
	case relaybot.CmdQuit:
		w.cleanup()
		w.respond(c.Command, true)
		return true
	default:
		w.send(relaybot.Message{Type: relaybot.MsgError, Message: "Unknown command: " + c.Command})
	}
	return false
}

func (w *Worker) initialize(appID string) bool {
	if w.opts.ProviderError != "" || w.gw == nil || !w.gw.Ready() {
		w.logf("error", "Voice provider not available: %s", w.capabilities().Error)
		return false
	}
	if appID == "" {
		w.logf("error", "App id is required")
		return false
	}
	w.mu.Lock()
	w.appID = appID
	w.initialized = true
	w.mu.Unlock()
	w.logf("success", "Initialized for app %s", appID)
	return true
}

func (w *Worker) join(ctx context.Context, channel, uid, token string) bool {
	w.mu.Lock()
	initialized, appID := w.initialized, w.appID
	connected := w.client != nil
	w.mu.Unlock()
	if !initialized {
		w.logf("error", "Not initialized")
		return false
	}
	if channel == "" || uid == "" {
		w.logf("error", "Channel and uid are required")
		return false
	}
	if connected {
		w.logf("warning", "Already connected, leaving current channel")
		w.leave(ctx)
	}

	client, err := w.gw.CreateClient()
	if err != nil {
		w.logf("error", "Failed to create client: %v", err)
		return false
	}
	off := client.On(core.EventConnectionStateChange, func(ev core.Event) {
		if ev.State == core.ProviderDisconnected && ev.Reason != core.ReasonLeave {
			w.dropped(client, ev.Reason)
		}
	})

	jctx, cancel := context.WithTimeout(ctx, w.opts.JoinTimeout)
	defer cancel()
	pid, err := client.Join(jctx, appID, domain.ChannelID(channel), token, uid)
	if err != nil {
		off()
		w.logf("error", "Error joining channel: %v", err)
		return false
	}

	w.mu.Lock()
	w.client = client
	w.offs = []func(){off}
	w.channel = channel
	w.uid = uid
	w.mu.Unlock()

	log.Info().Str("module", "worker").Str("channel", channel).Str("participant_id", string(pid)).Msg("joined")
	w.logf("success", "Joined channel '%s' as '%s'", channel, uid)
	w.send(relaybot.Message{Type: relaybot.MsgStatus, Status: "connected", Channel: channel, UID: uid})
	return true
}

// dropped handles a provider-side disconnect of the current client.
func (w *Worker) dropped(client core.ProviderClient, reason string) {
	w.mu.Lock()
	current := w.client == client
	w.mu.Unlock()
	if !current {
		return
	}
	go func() {
		w.logf("warning", "Connection lost: %s", reason)
		w.leave(context.Background())
	}()
}

func (w *Worker) leave(ctx context.Context) {
	w.stopPlayback()

	w.mu.Lock()
	client, offs := w.client, w.offs
	w.client, w.offs = nil, nil
	w.channel, w.uid = "", ""
	w.mu.Unlock()
	if client == nil {
		return
	}
	for _, off := range offs {
		off()
	}
	if err := client.Leave(ctx); err != nil {
		w.logf("warning", "Error leaving channel: %v", err)
	}
	w.logf("info", "Left channel")
	w.send(relaybot.Message{Type: relaybot.MsgStatus, Status: "disconnected"})
}

func (w *Worker) playFile(ctx context.Context, path string) bool {
	w.mu.Lock()
	client := w.client
	playing := w.play != nil
	w.mu.Unlock()
	if client == nil {
		w.logf("error", "Not connected to a channel")
		return false
	}
	if path == "" {
		w.logf("error", "File path is required")
		return false
	}
	if playing {
		w.logf("warning", "Already playing audio, stopping current playback")
		w.stopPlayback()
	}

	track, err := w.gw.CreateBufferTrack(ctx, path)
	if err != nil {
		w.logf("error", "Failed to load audio file: %v", err)
		return false
	}
	if err := client.Publish(ctx, track); err != nil {
		track.Close()
		w.logf("error", "Failed to publish audio: %v", err)
		return false
	}
	track.StartProcessing()

	p := &playback{
		file:   path,
		client: client,
		track:  track,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	total := track.Duration().Milliseconds()
	w.mu.Lock()
	w.play = p
	w.progress = 0
	w.duration = total
	w.mu.Unlock()

	w.logf("info", "Starting playback: %s (%d ms)", path, total)
	w.send(relaybot.Message{Type: relaybot.MsgPlaybackStarted, File: path, Duration: total})
	go w.poll(p)
	return true
}

func (w *Worker) poll(p *playback) {
	defer close(p.done)
	t := time.NewTicker(w.opts.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			w.endPlayback(p, relaybot.MsgPlaybackStopped)
			return
		case <-t.C:
		}
		cur, total := p.track.CurrentTime(), p.track.Duration()
		percent := 100
		if total > 0 {
			percent = int(cur * 100 / total)
		}
		w.mu.Lock()
		w.progress = cur.Milliseconds()
		w.mu.Unlock()
		w.send(relaybot.Message{Type: relaybot.MsgProgress, Current: cur.Milliseconds(), Total: total.Milliseconds(), Percent: percent})
		if cur >= total {
			w.endPlayback(p, relaybot.MsgPlaybackDone)
			return
		}
	}
}

func (w *Worker) endPlayback(p *playback, typ string) {
	p.track.StopProcessing()
	if err := p.client.Unpublish(context.Background(), p.track); err != nil {
		log.Debug().Err(err).Str("module", "worker").Msg("unpublish")
	}
	p.track.Close()

	w.mu.Lock()
	if w.play == p {
		w.play = nil
		w.progress = 0
	}
	w.mu.Unlock()

	if typ == relaybot.MsgPlaybackDone {
		w.logf("success", "Playback completed")
	} else {
		w.logf("info", "Playback stopped")
	}
	w.send(relaybot.Message{Type: typ, File: p.file})
}

// stopPlayback returns once the current file, if any, is fully released.
func (w *Worker) stopPlayback() {
	w.mu.Lock()
	p := w.play
	w.mu.Unlock()
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (w *Worker) status() relaybot.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := relaybot.Message{
		Type:             relaybot.ResponseType(relaybot.CmdStatus),
		IsConnected:      w.client != nil,
		IsPlaying:        w.play != nil,
		Channel:          w.channel,
		UID:              w.uid,
		PlaybackProgress: w.progress,
		PlaybackDuration: w.duration,
	}
	if w.play != nil {
		msg.CurrentFile = w.play.file
	}
	return msg
}

func (w *Worker) cleanup() {
	w.leave(context.Background())
}

func (w *Worker) respond(command string, ok bool) {
	w.send(relaybot.Response(command, ok))
}

// logf mirrors a user-facing line to the supervisor and to stderr.
func (w *Worker) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ev := log.Info()
	switch level {
	case "error":
		ev = log.Error()
	case "warning":
		ev = log.Warn()
	}
	ev.Str("module", "worker").Msg(msg)
	w.send(relaybot.Message{Type: relaybot.MsgLog, Level: level, Message: msg, Timestamp: relaybot.Timestamp(time.Now())})
}

func (w *Worker) send(m relaybot.Message) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if w.out == nil {
		return
	}
	if err := w.out.Encode(m); err != nil {
		log.Error().Err(err).Str("module", "worker").Str("type", m.Type).Msg("write message")
	}
}
