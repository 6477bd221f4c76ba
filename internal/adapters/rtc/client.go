package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errClientClosed = errors.New("provider client closed")

// inbound is the union of every server message the client reads.
type inbound struct {
	Type          string                 `json:"type"`
	SDP           string                 `json:"sdp"`
	Candidate     string                 `json:"candidate"`
	SDPMid        *string                `json:"sdpMid"`
	SDPMLineIndex *uint16                `json:"sdpMLineIndex"`
	ParticipantID domain.ParticipantID   `json:"participant_id"`
	TrackID       string                 `json:"track_id"`
	Channel       domain.ChannelID       `json:"channel"`
	Members       []core.MemberDTO       `json:"members"`
	Publishers    []domain.ParticipantID `json:"publishers"`
	Participant   core.MemberDTO         `json:"participant"`
	Reason        string                 `json:"reason"`
	Error         string                 `json:"error"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

type client struct {
	cfg GatewayConfig

	mu         sync.Mutex
	ws         *websocket.Conn
	pc         *webrtc.PeerConnection
	state      core.ProviderState
	self       domain.ParticipantID
	senders    map[*webrtc.TrackLocalStaticSample]*webrtc.RTPSender
	remotes    map[domain.ParticipantID]*remoteTrack
	pendingICE []webrtc.ICECandidateInit
	closing    bool
	pingSent   time.Time
	pongSeen   bool

	writeMu sync.Mutex
	// sdpMu guards signaling state transitions, negMu allows one local offer at a time
	sdpMu sync.Mutex
	negMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[core.EventKind]map[uint64]core.EventHandler
	nextHandler uint64

	joinedFlag atomic.Bool
	joined     chan inbound
	answers    chan webrtc.SessionDescription
	rollback   chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
}

var _ core.ProviderClient = (*client)(nil)

func newClient(cfg GatewayConfig) *client {
	return &client{
		cfg:      cfg,
		state:    core.ProviderDisconnected,
		senders:  make(map[*webrtc.TrackLocalStaticSample]*webrtc.RTPSender),
		remotes:  make(map[domain.ParticipantID]*remoteTrack),
		handlers: make(map[core.EventKind]map[uint64]core.EventHandler),
		joined:   make(chan inbound, 1),
		answers:  make(chan webrtc.SessionDescription, 1),
		rollback: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *client) On(kind core.EventKind, h core.EventHandler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[uint64]core.EventHandler)
	}
	c.handlers[kind][id] = h
	return func() {
		c.handlersMu.Lock()
		delete(c.handlers[kind], id)
		c.handlersMu.Unlock()
	}
}

func (c *client) emit(ev core.Event) {
	c.handlersMu.RLock()
	hs := make([]core.EventHandler, 0, len(c.handlers[ev.Kind]))
	for _, h := range c.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *client) setState(s core.ProviderState, reason string) {
	c.mu.Lock()
	if c.closing || c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.emit(core.Event{Kind: core.EventConnectionStateChange, State: s, PrevState: prev, Reason: reason})
}

func (c *client) Join(ctx context.Context, appID string, channel domain.ChannelID, token, identity string) (domain.ParticipantID, error) {
	c.mu.Lock()
	if c.ws != nil || c.closing {
		c.mu.Unlock()
		return "", errors.New("client already used")
	}
	c.mu.Unlock()

	c.setState(core.ProviderConnecting, "")
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.SignalURL, nil)
	if err != nil {
		c.finish("", false)
		return "", fmt.Errorf("dial signaling: %w", err)
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	go c.readLoop(ws)

	err = c.send(map[string]string{
		"type":     "join",
		"channel":  string(channel),
		"app_id":   appID,
		"token":    token,
		"identity": identity,
	})
	if err != nil {
		c.finish("", false)
		return "", err
	}

	var msg inbound
	select {
	case msg = <-c.joined:
	case <-ctx.Done():
		c.finish("", false)
		return "", ctx.Err()
	case <-c.done:
		return "", errors.New("signaling closed before join completed")
	}
	if msg.Type == "error" {
		c.finish("", false)
		return "", errors.New(msg.Error)
	}

	c.mu.Lock()
	c.self = msg.ParticipantID
	c.mu.Unlock()
	for _, m := range msg.Members {
		if m.ParticipantID != msg.ParticipantID {
			c.emit(core.Event{Kind: core.EventUserJoined, Participant: m.ParticipantID})
		}
	}

	if err := c.startMedia(ctx); err != nil {
		c.finish("", false)
		return "", err
	}
	go c.pingLoop()

	log.Info().Str("module", "rtc.client").Str("channel", string(channel)).Str("participant", string(msg.ParticipantID)).Msg("joined")
	return msg.ParticipantID, nil
}

func (c *client) startMedia(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(DefaultWebRTCConfig(c.cfg.ICEURLs...))
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		_ = c.send(candidatePayload(ci))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc.client").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.setState(core.ProviderConnected, "")
		case webrtc.PeerConnectionStateDisconnected:
			c.setState(core.ProviderReconnecting, "")
		case webrtc.PeerConnectionStateFailed:
			go c.finish("NETWORK_ERROR", true)
		}
	})
	pc.OnTrack(c.onTrack)

	// a receive slot so the first offer carries an audio section
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = pc.Close()
		return err
	}

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	return c.negotiate(ctx)
}

func candidatePayload(ci webrtc.ICECandidateInit) map[string]any {
	return map[string]any{
		"type":          "candidate",
		"candidate":     ci.Candidate,
		"sdpMid":        ci.SDPMid,
		"sdpMLineIndex": ci.SDPMLineIndex,
	}
}

func (c *client) peer() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *client) Leave(_ context.Context) error {
	c.mu.Lock()
	closing := c.closing
	ws := c.ws
	c.mu.Unlock()
	if closing {
		return nil
	}
	if ws != nil {
		if err := c.send(map[string]string{"type": "leave"}); err != nil {
			log.Debug().Err(err).Str("module", "rtc.client").Msg("leave notice")
		}
	}
	c.finish(core.ReasonLeave, true)
	return nil
}

// finish tears the client down once. notify emits the final DISCONNECTED event.
func (c *client) finish(reason string, notify bool) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	ws, pc := c.ws, c.pc
	remotes := c.remotes
	c.remotes = make(map[domain.ParticipantID]*remoteTrack)
	prev := c.state
	c.state = core.ProviderDisconnected
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if ws != nil {
		_ = ws.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	for _, r := range remotes {
		r.Stop()
	}
	if notify && prev != core.ProviderDisconnected {
		c.emit(core.Event{Kind: core.EventConnectionStateChange, State: core.ProviderDisconnected, PrevState: prev, Reason: reason})
	}
}

func (c *client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (c *client) readLoop(ws *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if !closing {
			log.Warn().Str("module", "rtc.client").Msg("signaling connection lost")
			c.finish("NETWORK_ERROR", true)
		}
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc.client").Msg("read loop done")
			return
		}
		var m inbound
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "rtc.client").Msg("bad server message")
			continue
		}
		c.dispatch(m)
	}
}

func (c *client) dispatch(m inbound) {
	switch m.Type {
	case "joined":
		c.joinedFlag.Store(true)
		c.pushJoined(m)
	case "error":
		if !c.joinedFlag.Load() {
			c.pushJoined(m)
			return
		}
		c.emit(core.Event{Kind: core.EventException, Err: errors.New(m.Error)})
	case "offer":
		c.handleRemoteOffer(m.SDP)
	case "answer":
		select {
		case c.answers <- webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}:
		default:
		}
	case "candidate":
		c.addCandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
	case "member_joined":
		c.emit(core.Event{Kind: core.EventUserJoined, Participant: m.Participant.ParticipantID})
	case "member_left":
		c.dropRemote(m.Participant.ParticipantID)
		c.emit(core.Event{Kind: core.EventUserLeft, Participant: m.Participant.ParticipantID, Reason: m.Reason})
	case "track_published":
		log.Debug().Str("module", "rtc.client").Str("participant", string(m.ParticipantID)).Str("track", m.TrackID).Msg("track announced")
	case "track_unpublished":
		c.trackRemoved(m.ParticipantID, m.TrackID)
	case "token_will_expire":
		c.emit(core.Event{Kind: core.EventTokenWillExpire})
	case "token_expired":
		c.emit(core.Event{Kind: core.EventTokenDidExpire})
	case "pong":
		c.onPong()
	case "left":
	default:
		log.Debug().Str("module", "rtc.client").Str("type", m.Type).Msg("unhandled server message")
	}
}

func (c *client) pushJoined(m inbound) {
	select {
	case c.joined <- m:
	default:
	}
}

func (c *client) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	pc := c.peer()
	if pc == nil {
		return errors.New("not joined")
	}
	added := false
	for _, t := range tracks {
		lt, ok := t.(localTrack)
		if !ok {
			return fmt.Errorf("unsupported track type %T", t)
		}
		local := lt.rtpTrack()
		c.mu.Lock()
		_, dup := c.senders[local]
		c.mu.Unlock()
		if dup {
			continue
		}
		c.sdpMu.Lock()
		sender, err := pc.AddTrack(local)
		c.sdpMu.Unlock()
		if err != nil {
			return fmt.Errorf("add track: %w", err)
		}
		c.mu.Lock()
		c.senders[local] = sender
		c.mu.Unlock()
		go drainSenderRTCP(sender)
		added = true
	}
	if !added {
		return nil
	}
	return c.negotiate(ctx)
}

func (c *client) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	pc := c.peer()
	if pc == nil {
		return nil
	}
	removed := false
	for _, t := range tracks {
		lt, ok := t.(localTrack)
		if !ok {
			continue
		}
		c.mu.Lock()
		sender, found := c.senders[lt.rtpTrack()]
		delete(c.senders, lt.rtpTrack())
		c.mu.Unlock()
		if !found {
			continue
		}
		c.sdpMu.Lock()
		err := pc.RemoveTrack(sender)
		c.sdpMu.Unlock()
		if err != nil {
			return fmt.Errorf("remove track: %w", err)
		}
		removed = true
	}
	if !removed {
		return nil
	}
	return c.negotiate(ctx)
}

func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *client) Subscribe(_ context.Context, id domain.ParticipantID, media core.MediaType) (core.RemoteTrack, error) {
	c.mu.Lock()
	r := c.remotes[id]
	c.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("participant %s has no published %s", id, media)
	}
	return r, nil
}

func (c *client) Unsubscribe(_ context.Context, id domain.ParticipantID) error {
	c.mu.Lock()
	r := c.remotes[id]
	c.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	return nil
}

func (c *client) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	pid := domain.ParticipantID(track.StreamID())
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	r, ok := c.remotes[pid]
	if !ok {
		r = newRemoteTrack(pid)
		c.remotes[pid] = r
	}
	first := r.add(track)
	c.mu.Unlock()

	go func() {
		r.consume(track)
		c.trackRemoved(pid, track.ID())
	}()
	if first {
		c.emit(core.Event{Kind: core.EventUserPublished, Participant: pid, Media: core.MediaAudio})
	}
}

// trackRemoved runs for both the server notice and the reader hitting EOF.
func (c *client) trackRemoved(pid domain.ParticipantID, trackID string) {
	c.mu.Lock()
	r := c.remotes[pid]
	last := r != nil && r.remove(trackID)
	if last {
		delete(c.remotes, pid)
	}
	c.mu.Unlock()
	if last {
		r.Stop()
		c.emit(core.Event{Kind: core.EventUserUnpublished, Participant: pid, Media: core.MediaAudio})
	}
}

func (c *client) dropRemote(pid domain.ParticipantID) {
	c.mu.Lock()
	r := c.remotes[pid]
	delete(c.remotes, pid)
	c.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}
