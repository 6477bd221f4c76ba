package connection

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const subscribeTimeout = 10 * time.Second

// handleEvent applies one provider event. Events from a previous
// generation are dropped.
func (m *Machine) handleEvent(gen uint64, client core.ProviderClient, ev core.Event) {
	switch ev.Kind {
	case core.EventConnectionStateChange:
		m.onStateChange(gen, ev)
	case core.EventUserPublished:
		if ev.Media != "" && ev.Media != core.MediaAudio {
			return
		}
		go m.subscribe(gen, client, ev.Participant)
	case core.EventUserUnpublished:
		if !m.update(gen, func() {
			if p, ok := m.participants[ev.Participant]; ok {
				p.info.HasAudio = false
				p.info.IsSpeaking = false
				p.info.AudioLevel = 0
				p.track = nil
			}
		}) {
			return
		}
		m.logf(domain.LogInfo, "participant %s stopped publishing audio", ev.Participant)
	case core.EventUserJoined:
		if m.current(gen) {
			m.logf(domain.LogInfo, "participant %s joined", ev.Participant)
		}
	case core.EventUserLeft:
		var track core.RemoteTrack
		if !m.update(gen, func() {
			if p, ok := m.participants[ev.Participant]; ok {
				track = p.track
				delete(m.participants, ev.Participant)
			}
		}) {
			return
		}
		if track != nil {
			track.Stop()
		}
		m.logf(domain.LogInfo, "participant %s left", ev.Participant)
	case core.EventTokenWillExpire:
		if m.current(gen) {
			m.logf(domain.LogWarning, "channel token will expire soon")
		}
	case core.EventTokenDidExpire:
		if !m.update(gen, func() {
			m.status = domain.StatusError
			m.lastError = "channel token expired"
		}) {
			return
		}
		m.logf(domain.LogError, "channel token expired")
	case core.EventNetworkQuality:
		m.update(gen, func() { m.quality = ev.Quality })
	case core.EventException:
		if m.current(gen) {
			m.logf(domain.LogWarning, "provider exception: %v", ev.Err)
		}
	}
}

// update runs fn under the lock if gen is current, then notifies observers.
func (m *Machine) update(gen uint64, fn func()) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	fn()
	m.mu.Unlock()
	m.notify()
	return true
}

func (m *Machine) onStateChange(gen uint64, ev core.Event) {
	switch ev.State {
	case core.ProviderConnected:
		if m.update(gen, func() {
			if m.status != domain.StatusError {
				m.status = domain.StatusConnected
			}
		}) {
			m.logf(domain.LogSuccess, "connection state %s -> %s", ev.PrevState, ev.State)
		}
	case core.ProviderReconnecting:
		if m.update(gen, func() {
			if m.status == domain.StatusConnected || m.status == domain.StatusConnecting {
				m.status = domain.StatusReconnecting
			}
		}) {
			m.logf(domain.LogWarning, "connection lost, reconnecting")
		}
	case core.ProviderConnecting, core.ProviderDisconnecting:
		// connected only holds while the provider's latest state is CONNECTED;
		// a first connect keeps connecting, anything later waits as reconnecting
		var changed bool
		m.update(gen, func() {
			if m.status == domain.StatusConnected {
				m.status = domain.StatusReconnecting
				changed = true
			}
		})
		if changed {
			m.logf(domain.LogWarning, "connection state %s -> %s", ev.PrevState, ev.State)
		}
	case core.ProviderDisconnected:
		if ev.Reason == core.ReasonLeave {
			m.update(gen, func() { m.status = domain.StatusDisconnected })
			return
		}
		if !m.update(gen, func() {
			m.status = domain.StatusDisconnected
			m.lastError = "disconnected: " + ev.Reason
		}) {
			return
		}
		m.logf(domain.LogError, "disconnected by provider, reason %s", ev.Reason)
		go m.teardown(gen, domain.StatusDisconnected)
	}
}

func (m *Machine) subscribe(gen uint64, client core.ProviderClient, id domain.ParticipantID) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	track, err := client.Subscribe(ctx, id, core.MediaAudio)
	if err != nil {
		if m.current(gen) {
			m.logf(domain.LogError, "subscribe to %s failed: %v", id, err)
		}
		return
	}
	track.Play()
	if !m.update(gen, func() {
		p, ok := m.participants[id]
		if !ok {
			p = &participant{info: domain.RemoteParticipant{ID: id}}
			m.participants[id] = p
		}
		p.track = track
		p.info.HasAudio = true
	}) {
		track.Stop()
		return
	}
	m.logf(domain.LogSuccess, "subscribed to audio from %s", id)
}
