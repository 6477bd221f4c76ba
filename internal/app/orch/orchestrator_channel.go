package orch

import (
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Join(sid core.SessionID, ch domain.ChannelID) {
	if from, _, ok := o.Registry.ChannelOf(sid); ok {
		o.KickBySID(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_channel", string(from)).Msg("left previous channel")
	}
	if session, ok := o.Registry.GetSession(sid); ok {
		channel := o.Channels.GetOrCreate(ch)
		channel.AddMember(sid, session)
		o.Registry.UpdateChannel(sid, ch)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("channel", string(ch)).Msg("added to channel")
	}
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	ch, _, ok := o.Registry.ChannelOf(sid)
	if !ok {
		return
	}
	if channel, ok := o.Channels.Get(ch); ok {
		channel.RemoveMember(sid)
		if channel.MemberCount() == 0 {
			o.Channels.StopChannel(ch)
		}
	}
	o.Registry.RemoveChannel(sid)
}

func (o *Orchestrator) EvictChannel(ch domain.ChannelID) {
	for _, snap := range o.Registry.MembersOf(ch) {
		o.KickBySID(snap.SID)
	}
	o.Channels.StopChannel(ch)
}
