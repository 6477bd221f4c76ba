package orch

import (
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Notifier pushes media-plane changes to signaling peers.
type Notifier interface {
	// Renegotiate asks the server side of sid's peer connection to send a fresh offer.
	Renegotiate(sid core.SessionID)
	TrackPublished(ch domain.ChannelID, key sfu.RelayKey)
	TrackUnpublished(ch domain.ChannelID, key sfu.RelayKey)
}

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Notifier Notifier
}

func New(reg *app.Registry, channels core.ChannelManager, policy app.Policy, relays *sfu.RelayManager) *Orchestrator {
	o := &Orchestrator{
		Registry: reg,
		Channels: channels,
		Policy:   policy,
		Relays:   relays,
	}
	if relays != nil {
		relays.OnStopped(o.onRelayStopped)
	}
	return o
}

// Broadcast fans a signaling frame out to everyone in ch except from and
// applies the backpressure policy to members that could not keep up.
func (o *Orchestrator) Broadcast(ch domain.ChannelID, from core.SessionID, data core.Frame) core.PublishResult {
	channel, ok := o.Channels.Get(ch)
	if !ok {
		return core.PublishResult{}
	}

	res := channel.Broadcast(from, data)
	if o.Policy == nil {
		return res
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(channel, slow) {
		case app.KickMember:
			o.KickBySID(slow)
			o.Registry.Cancel(slow)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
	return res
}
