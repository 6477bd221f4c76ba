package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StoppedFunc receives the subscribers that were attached to a relay when it stopped.
type StoppedFunc func(key RelayKey, subscribers map[core.SessionID]*OutTrack)

type RelayManager struct {
	mu        sync.RWMutex
	relays    map[RelayKey]*Relay
	onStopped StoppedFunc
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[RelayKey]*Relay),
	}
}

// OnStopped must be set before the first relay starts.
func (m *RelayManager) OnStopped(fn StoppedFunc) { m.onStopped = fn }

// StartRelay creates a new Relay for the given published track and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, key RelayKey, track SourceTrack) {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(key.SID)).
		Str("track_id", key.TrackID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(key, track, cancel)

	m.mu.Lock()
	old, replaced := m.relays[key]
	m.relays[key] = relay
	m.mu.Unlock()
	if replaced {
		logger.Info().Msg("replacing existing relay for track")
		m.finish(old)
	}

	logger.Info().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger, func() { m.StopRelay(key, relay) })
}

// Subscribe attaches a new outgoing track fed by key's relay to dst's media connection.
func (m *RelayManager) Subscribe(key RelayKey, dst core.SessionID, mc core.MediaConnection) error {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no relay for %s/%s", key.SID, key.TrackID)
	}
	if _, exists := relay.outTrack(dst); exists {
		return nil
	}
	local, err := webrtc.NewTrackLocalStaticRTP(
		relay.Src.Codec().RTPCodecCapability,
		key.TrackID,
		string(key.SID),
	)
	if err != nil {
		return err
	}
	sender, err := mc.AddLocalTrack(local)
	if err != nil {
		return err
	}
	go drainRTCP(sender)
	relay.AddOutTrack(dst, NewOutTrack(local, sender))
	log.Debug().Str("module", "relay").Str("src_sid", string(key.SID)).Str("dst_sid", string(dst)).Msg("subscribed")
	return nil
}

// Unsubscribe marks dst's OutTrack for deletion and returns its sender so the
// caller can detach it from the peer connection.
func (m *RelayManager) Unsubscribe(key RelayKey, dst core.SessionID) (*webrtc.RTPSender, bool) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot, ok := relay.outTrack(dst)
	if !ok {
		return nil, false
	}
	ot.MarkDelete()
	return ot.Sender, true
}

// StopRelay stops a relay and removes it from the manager. A nil relay stops
// whatever is registered under key.
func (m *RelayManager) StopRelay(key RelayKey, relay *Relay) {
	m.mu.Lock()
	cur, ok := m.relays[key]
	if ok && (relay == nil || cur == relay) {
		delete(m.relays, key)
		relay = cur
	}
	m.mu.Unlock()
	if relay == nil {
		return
	}
	m.finish(relay)
}

func (m *RelayManager) finish(relay *Relay) {
	relay.stopOnce.Do(func() {
		if relay.cancel != nil {
			relay.cancel()
		}
		subs := relay.detach()
		if m.onStopped != nil {
			m.onStopped(relay.Key, subs)
		}
	})
}

// StopAll stops every relay published by sid.
func (m *RelayManager) StopAll(sid core.SessionID) {
	for _, key := range m.KeysOf(sid) {
		m.StopRelay(key, nil)
	}
}

// KeysOf lists the tracks currently published by sid.
func (m *RelayManager) KeysOf(sid core.SessionID) []RelayKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RelayKey
	for k := range m.relays {
		if k.SID == sid {
			out = append(out, k)
		}
	}
	return out
}

// HasRelay reports whether sid publishes at least one track.
func (m *RelayManager) HasRelay(sid core.SessionID) bool {
	return len(m.KeysOf(sid)) > 0
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
