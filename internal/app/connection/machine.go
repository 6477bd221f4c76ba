// Package connection owns the client side connection status and the tracks
// bound to it. Status moves only on provider events or explicit calls.
package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/app/logring"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// SpeakingThreshold is compared against levels in 0..1.
	SpeakingThreshold float64
	SampleInterval    time.Duration
	PlaybackPoll      time.Duration
	// LogCapacity bounds the user-facing log.
	LogCapacity int
}

func (o Options) withDefaults() Options {
	if o.SpeakingThreshold <= 0 {
		o.SpeakingThreshold = 0.05
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = 200 * time.Millisecond
	}
	if o.PlaybackPoll <= 0 {
		o.PlaybackPoll = 100 * time.Millisecond
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = 100
	}
	return o
}

// FileState mirrors the file-sourced track.
type FileState struct {
	Path      string        `json:"path"`
	Published bool          `json:"published"`
	Playing   bool          `json:"playing"`
	Paused    bool          `json:"paused"`
	Position  time.Duration `json:"position"`
	Duration  time.Duration `json:"duration"`
	Volume    int           `json:"volume"`
}

// State is an immutable snapshot handed to observers.
type State struct {
	Status        domain.ConnectionStatus    `json:"status"`
	Channel       domain.ChannelID           `json:"channel,omitempty"`
	ParticipantID domain.ParticipantID       `json:"participantId,omitempty"`
	Muted         bool                       `json:"muted"`
	MicVolume     int                        `json:"micVolume"`
	LocalLevel    float64                    `json:"localLevel"`
	LocalSpeaking bool                       `json:"localSpeaking"`
	Participants  []domain.RemoteParticipant `json:"participants"`
	Quality       domain.NetworkQuality      `json:"quality"`
	File          *FileState                 `json:"file,omitempty"`
	LastError     string                     `json:"lastError,omitempty"`
}

type participant struct {
	info  domain.RemoteParticipant
	track core.RemoteTrack
}

type fileTrack struct {
	track     core.BufferTrack
	path      string
	published bool
	playing   bool
	paused    bool
	position  time.Duration
	pollStop  chan struct{}
}

type Machine struct {
	gw   core.Gateway
	opts Options
	logs *logring.Ring

	// playMu serializes file operations and teardown
	playMu sync.Mutex

	mu            sync.Mutex
	gen           uint64
	status        domain.ConnectionStatus
	channel       domain.ChannelID
	participantID domain.ParticipantID
	client        core.ProviderClient
	offs          []func()
	mic           core.MicrophoneTrack
	muted         bool
	micVolume     int
	localLevel    float64
	localSpeaking bool
	participants  map[domain.ParticipantID]*participant
	quality       domain.NetworkQuality
	file          *fileTrack
	fileVolume    int
	samplerStop   chan struct{}
	lastError     string

	obsMu     sync.Mutex
	observers map[int]func(State)
	nextObs   int
}

func New(gw core.Gateway, opts Options) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		gw:           gw,
		opts:         opts,
		logs:         logring.New(opts.LogCapacity, opts.LogCapacity),
		status:       domain.StatusDisconnected,
		muted:        true,
		micVolume:    100,
		fileVolume:   100,
		participants: make(map[domain.ParticipantID]*participant),
		observers:    make(map[int]func(State)),
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	s := State{
		Status:        m.status,
		Channel:       m.channel,
		ParticipantID: m.participantID,
		Muted:         m.muted,
		MicVolume:     m.micVolume,
		LocalLevel:    m.localLevel,
		LocalSpeaking: m.localSpeaking,
		Participants:  make([]domain.RemoteParticipant, 0, len(m.participants)),
		Quality:       m.quality,
		LastError:     m.lastError,
	}
	for _, p := range m.participants {
		s.Participants = append(s.Participants, p.info)
	}
	sort.Slice(s.Participants, func(i, j int) bool { return s.Participants[i].ID < s.Participants[j].ID })
	if f := m.file; f != nil {
		s.File = &FileState{
			Path:      f.path,
			Published: f.published,
			Playing:   f.playing,
			Paused:    f.paused,
			Position:  f.position,
			Duration:  f.track.Duration(),
			Volume:    m.fileVolume,
		}
	}
	return s
}

func (m *Machine) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Observe registers fn for every state change and returns its cancel func.
func (m *Machine) Observe(fn func(State)) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Machine) notify() {
	s := m.State()
	m.obsMu.Lock()
	fns := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Machine) Logs() []domain.LogEntry { return m.logs.Entries() }

func (m *Machine) logf(kind domain.LogKind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logs.Append(kind, msg)
	var ev *zerolog.Event
	switch kind {
	case domain.LogError:
		ev = log.Error()
	case domain.LogWarning:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("module", "connection").Str("kind", string(kind)).Msg(msg)
}

// Join opens the provider connection. The status stays connecting until the
// provider reports CONNECTED.
func (m *Machine) Join(ctx context.Context, appID string, channel domain.ChannelID, token, identity string) (domain.ParticipantID, error) {
	const op = "connection.Join"
	if !m.gw.Ready() {
		m.logf(domain.LogError, "provider SDK is not loaded yet")
		return "", domain.E(domain.CodeNotReady, op, "provider is not ready", nil)
	}
	if appID == "" {
		return "", domain.E(domain.CodeValidationFailed, op, "app id is required", nil)
	}
	if err := domain.ValidateChannelID(string(channel)); err != nil {
		return "", domain.E(domain.CodeValidationFailed, op, err.Error(), err)
	}
	if err := domain.ValidateIdentity(identity); err != nil {
		return "", domain.E(domain.CodeValidationFailed, op, err.Error(), err)
	}

	m.mu.Lock()
	switch m.status {
	case domain.StatusConnecting, domain.StatusConnected, domain.StatusReconnecting:
		m.mu.Unlock()
		return "", domain.E(domain.CodeValidationFailed, op, "already joined, leave first", nil)
	}
	m.gen++
	gen := m.gen
	// an errored connection may still hold its client and tracks
	stale := m.detachLocked()
	m.status = domain.StatusConnecting
	m.channel = channel
	m.lastError = ""
	m.mu.Unlock()
	m.release(ctx, stale)
	m.notify()
	m.logf(domain.LogInfo, "joining channel %s as %s", channel, identity)

	client, err := m.gw.CreateClient()
	if err != nil {
		return "", m.failJoin(gen, op, err)
	}
	offs := m.listen(client, gen)
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		for _, off := range offs {
			off()
		}
		return "", domain.E(domain.CodeJoinFailed, op, "join cancelled by leave", nil)
	}
	m.client = client
	m.offs = offs
	m.mu.Unlock()

	pid, err := client.Join(ctx, appID, channel, token, identity)
	if err != nil {
		return "", m.failJoin(gen, op, err)
	}

	mic, err := m.gw.CreateMicrophoneTrack(ctx)
	if err != nil {
		return "", m.failJoin(gen, op, err)
	}
	// muted until the user explicitly unmutes
	if err := mic.SetEnabled(false); err != nil {
		mic.Close()
		return "", m.failJoin(gen, op, err)
	}
	m.mu.Lock()
	mic.SetVolume(m.micVolume)
	m.mu.Unlock()
	if err := client.Publish(ctx, mic); err != nil {
		mic.Close()
		return "", m.failJoin(gen, op, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		mic.Close()
		return "", domain.E(domain.CodeJoinFailed, op, "join cancelled by leave", nil)
	}
	m.mic = mic
	m.muted = true
	m.participantID = pid
	stop := make(chan struct{})
	m.samplerStop = stop
	m.mu.Unlock()

	go m.sampleLevels(gen, stop)
	m.logf(domain.LogSuccess, "joined channel %s as participant %s, microphone muted", channel, pid)
	m.notify()
	return pid, nil
}

// failJoin moves to error and releases whatever the attempt acquired.
func (m *Machine) failJoin(gen uint64, op string, cause error) error {
	m.logf(domain.LogError, "join failed: %v", cause)
	m.mu.Lock()
	if m.gen == gen {
		m.gen++
		res := m.detachLocked()
		m.status = domain.StatusError
		m.lastError = cause.Error()
		m.mu.Unlock()
		go m.release(context.Background(), res)
	} else {
		m.mu.Unlock()
	}
	m.notify()
	return domain.E(domain.CodeJoinFailed, op, "", cause)
}

func (m *Machine) listen(client core.ProviderClient, gen uint64) []func() {
	kinds := []core.EventKind{
		core.EventConnectionStateChange,
		core.EventUserPublished,
		core.EventUserUnpublished,
		core.EventUserJoined,
		core.EventUserLeft,
		core.EventTokenWillExpire,
		core.EventTokenDidExpire,
		core.EventNetworkQuality,
		core.EventException,
	}
	offs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		offs = append(offs, client.On(k, func(ev core.Event) { m.handleEvent(gen, client, ev) }))
	}
	return offs
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Machine) sampleLevels(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if m.sampleOnce(gen) {
			m.notify()
		}
	}
}

// sampleOnce reports whether any speaking flag flipped.
func (m *Machine) sampleOnce(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	changed := false
	th := m.opts.SpeakingThreshold
	for _, p := range m.participants {
		lvl := 0.0
		if p.track != nil && p.info.HasAudio {
			lvl = p.track.VolumeLevel()
		}
		speaking := lvl > th
		changed = changed || speaking != p.info.IsSpeaking
		p.info.AudioLevel = lvl
		p.info.IsSpeaking = speaking
	}
	if m.mic != nil {
		lvl := m.mic.VolumeLevel()
		speaking := !m.muted && lvl > th
		changed = changed || speaking != m.localSpeaking
		m.localLevel = lvl
		m.localSpeaking = speaking
	}
	return changed
}
