package rtc

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// remoteTrack aggregates every audio track one participant sends us.
type remoteTrack struct {
	id domain.ParticipantID

	mu     sync.Mutex
	tracks map[string]*webrtc.TrackRemote

	level   atomic.Uint64
	playing atomic.Bool
}

var _ core.RemoteTrack = (*remoteTrack)(nil)

func newRemoteTrack(id domain.ParticipantID) *remoteTrack {
	return &remoteTrack{id: id, tracks: make(map[string]*webrtc.TrackRemote)}
}

func (r *remoteTrack) add(t *webrtc.TrackRemote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := len(r.tracks) == 0
	r.tracks[t.ID()] = t
	return first
}

// remove reports whether the last track just went away.
func (r *remoteTrack) remove(trackID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[trackID]; !ok {
		return false
	}
	delete(r.tracks, trackID)
	return len(r.tracks) == 0
}

func (r *remoteTrack) consume(t *webrtc.TrackRemote) {
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "rtc.remote").Str("participant", string(r.id)).Msg("remote track ended")
			return
		}
		r.observe(ulawLevel(pkt.Payload))
	}
}

// observe rises immediately and decays smoothly.
func (r *remoteTrack) observe(lvl float64) {
	prev := math.Float64frombits(r.level.Load())
	if lvl < prev {
		lvl = prev*0.8 + lvl*0.2
	}
	r.level.Store(math.Float64bits(lvl))
}

func (r *remoteTrack) Participant() domain.ParticipantID { return r.id }

func (r *remoteTrack) VolumeLevel() float64 {
	return math.Float64frombits(r.level.Load())
}

func (r *remoteTrack) Play() { r.playing.Store(true) }

func (r *remoteTrack) Stop() {
	r.playing.Store(false)
	r.level.Store(0)
}

// qualityFromRTT maps a signaling round trip to the 0..6 quality scale.
func qualityFromRTT(rtt time.Duration) int {
	switch {
	case rtt <= 0:
		return 0
	case rtt < 100*time.Millisecond:
		return 1
	case rtt < 200*time.Millisecond:
		return 2
	case rtt < 400*time.Millisecond:
		return 3
	case rtt < 800*time.Millisecond:
		return 4
	default:
		return 5
	}
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if !c.pingSent.IsZero() && !c.pongSeen {
			missed++
		} else {
			missed = 0
		}
		c.pingSent = time.Now()
		c.pongSeen = false
		c.mu.Unlock()

		if missed >= 3 {
			c.emit(core.Event{Kind: core.EventNetworkQuality, Quality: domain.NetworkQuality{Uplink: 6, Downlink: 6}})
		}
		if err := c.send(map[string]string{"type": "ping"}); err != nil {
			log.Debug().Err(err).Str("module", "rtc.client").Msg("ping")
		}
	}
}

func (c *client) onPong() {
	c.mu.Lock()
	rtt := time.Since(c.pingSent)
	seen := c.pongSeen
	c.pongSeen = true
	c.mu.Unlock()
	if seen {
		return
	}
	q := qualityFromRTT(rtt)
	c.emit(core.Event{Kind: core.EventNetworkQuality, Quality: domain.NetworkQuality{Uplink: q, Downlink: q}})
}
