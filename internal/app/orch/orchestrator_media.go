package orch

import (
	"context"

	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	o.cleanupMedia(sid)
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		o.Relays.StopAll(sid)
		for _, mate := range o.Registry.ChannelMates(sid) {
			for _, key := range o.Relays.KeysOf(mate.SID) {
				o.Relays.Unsubscribe(key, sid)
			}
		}
	}

	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil {
			sess.UpdateMedia(nil)
			mc.Close()
		}
	}
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	if sess, ok := o.Registry.GetSession(sid); !ok || sess.Media() == nil {
		return
	}
	key := sfu.RelayKey{SID: sid, TrackID: track.ID()}
	o.Relays.StartRelay(ctx, key, track)

	ch, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		log.Info().
			Str("module", "orch").
			Str("sid", string(sid)).
			Msg("OnTrack: no channel for sid")
		return
	}

	// Subscribe all existing members in the channel to this speaker.
	for _, mate := range o.Registry.ChannelMates(sid) {
		mc := mate.Session.Media()
		if mc == nil {
			continue
		}
		if err := o.Relays.Subscribe(key, mate.SID, mc); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("dst_sid", string(mate.SID)).Msg("subscribe failed")
			continue
		}
		o.renegotiate(mate.SID)
	}
	if o.Notifier != nil {
		o.Notifier.TrackPublished(ch, key)
	}
}

// OnMediaReady is called when MediaConnection is attached to the session (offer/answer done).
// It subscribes this member to every track already published in the same channel.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}

	added := 0
	for _, mate := range o.Registry.ChannelMates(sid) {
		for _, key := range o.Relays.KeysOf(mate.SID) {
			if err := o.Relays.Subscribe(key, sid, mc); err != nil {
				log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("subscribe to existing track failed")
				continue
			}
			added++
		}
	}
	if added > 0 {
		o.renegotiate(sid)
	}
}

func (o *Orchestrator) onRelayStopped(key sfu.RelayKey, subscribers map[core.SessionID]*sfu.OutTrack) {
	for dst, ot := range subscribers {
		sess, ok := o.Registry.GetSession(dst)
		if !ok || ot.Sender == nil {
			continue
		}
		mc := sess.Media()
		if mc == nil || mc.IsClosed() {
			continue
		}
		if err := mc.RemoveTrack(ot.Sender); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("dst_sid", string(dst)).Msg("remove relayed track")
			continue
		}
		o.renegotiate(dst)
	}
	if ch, _, ok := o.Registry.ChannelOf(key.SID); ok && o.Notifier != nil {
		o.Notifier.TrackUnpublished(ch, key)
	}
}

func (o *Orchestrator) renegotiate(sid core.SessionID) {
	if o.Notifier != nil {
		o.Notifier.Renegotiate(sid)
	}
}
