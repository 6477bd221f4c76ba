package connection

import (
	"context"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

const teardownTimeout = 5 * time.Second

// resources is everything a connection owns, detached from the machine so it
// can be released without holding the lock.
type resources struct {
	samplerStop  chan struct{}
	pollStop     chan struct{}
	file         *fileTrack
	mic          core.MicrophoneTrack
	client       core.ProviderClient
	offs         []func()
	participants map[domain.ParticipantID]*participant
}

func (m *Machine) detachLocked() resources {
	res := resources{
		samplerStop:  m.samplerStop,
		file:         m.file,
		mic:          m.mic,
		client:       m.client,
		offs:         m.offs,
		participants: m.participants,
	}
	if m.file != nil {
		res.pollStop = m.file.pollStop
		m.file.pollStop = nil
	}
	m.samplerStop = nil
	m.file = nil
	m.mic = nil
	m.client = nil
	m.offs = nil
	m.participants = make(map[domain.ParticipantID]*participant)
	return res
}

// release frees resources in a fixed order. Every step tolerates the
// previous one having failed.
func (m *Machine) release(ctx context.Context, res resources) {
	if res.samplerStop != nil {
		close(res.samplerStop)
	}
	if res.pollStop != nil {
		close(res.pollStop)
	}

	if f := res.file; f != nil {
		f.track.StopProcessing()
		if f.published && res.client != nil {
			if err := res.client.Unpublish(ctx, f.track); err != nil {
				log.Debug().Err(err).Str("module", "connection").Msg("teardown: unpublish file track")
			}
		}
		f.track.Stop()
		f.track.Close()
	}

	if res.mic != nil {
		res.mic.Stop()
		res.mic.Close()
	}

	if res.client != nil {
		if err := res.client.Leave(ctx); err != nil {
			log.Debug().Err(err).Str("module", "connection").Msg("teardown: leave")
		}
	}
	for _, off := range res.offs {
		off()
	}
	for _, p := range res.participants {
		if p.track != nil {
			p.track.Stop()
		}
	}
}

// Leave is idempotent and safe in any state.
func (m *Machine) Leave(ctx context.Context) error {
	m.playMu.Lock()
	defer m.playMu.Unlock()

	m.mu.Lock()
	prev := m.status
	m.gen++
	gen := m.gen
	res := m.detachLocked()
	m.mu.Unlock()

	m.release(ctx, res)
	m.reset(gen, domain.StatusDisconnected)
	if prev != domain.StatusDisconnected {
		m.logf(domain.LogInfo, "left channel")
	}
	m.notify()
	return nil
}

// teardown releases a connection the provider dropped, unless a newer
// join or leave already took over.
func (m *Machine) teardown(expect uint64, final domain.ConnectionStatus) {
	m.playMu.Lock()
	defer m.playMu.Unlock()

	m.mu.Lock()
	if m.gen != expect {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	res := m.detachLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.release(ctx, res)
	m.reset(gen, final)
	m.notify()
}

func (m *Machine) reset(gen uint64, final domain.ConnectionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return
	}
	m.participants = make(map[domain.ParticipantID]*participant)
	m.participantID = ""
	m.channel = ""
	m.localLevel = 0
	m.localSpeaking = false
	m.muted = true
	m.quality = domain.NetworkQuality{}
	m.status = final
}
