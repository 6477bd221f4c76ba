package signal

import (
	"encoding/json"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type joinPayload struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	AppID    string `json:"app_id"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity"`
}

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn core.SignalConnection, data []byte) {
	if !ctl.opts.JoinLimiter.Allow(string(sid)) {
		ctl.sendError(conn, "too many join attempts")
		return
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if err := domain.ValidateChannelID(p.Channel); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	if err := domain.ValidateIdentity(p.Identity); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	if ctl.opts.AppID != "" && p.AppID != ctl.opts.AppID {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join with unknown app id")
		ctl.sendError(conn, "invalid app id")
		return
	}
	ch := domain.ChannelID(p.Channel)

	var expiresAt time.Time
	if ctl.opts.Verifier != nil {
		exp, err := ctl.opts.Verifier.Verify(p.Token, ch, p.Identity)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("token rejected")
			ctl.sendError(conn, "invalid token: "+err.Error())
			return
		}
		expiresAt = exp
	}

	if err := ctl.Orch.Registry.UpdateIdentity(sid, p.Identity); err != nil {
		ctl.sendError(conn, err.Error())
		return
	}

	// leaving a previous channel notifies its members first
	if _, _, ok := ctl.Orch.Registry.ChannelOf(sid); ok {
		ctl.leave(sid, "switched")
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("channel", p.Channel).Str("identity", p.Identity).Msg("join")
	ctl.Orch.Join(sid, ch)

	channel, ok := ctl.Orch.Channels.Get(ch)
	if !ok {
		ctl.sendError(conn, "join failed")
		return
	}
	if sess, ok := ctl.Orch.Registry.GetSession(sid); ok {
		sess.Meta().TokenExpiresAt = expiresAt
	}

	publishers := make([]domain.ParticipantID, 0)
	for _, mate := range ctl.Orch.Registry.ChannelMates(sid) {
		if ctl.Orch.Relays.HasRelay(mate.SID) {
			publishers = append(publishers, domain.ParticipantID(mate.SID))
		}
	}
	ctl.sendJSON(conn, struct {
		Type          string                 `json:"type"`
		ParticipantID domain.ParticipantID   `json:"participant_id"`
		Channel       domain.ChannelID       `json:"channel"`
		Members       []core.MemberDTO       `json:"members"`
		Publishers    []domain.ParticipantID `json:"publishers"`
	}{
		Type:          "joined",
		ParticipantID: domain.ParticipantID(sid),
		Channel:       ch,
		Members:       channel.MembersSnapshot(),
		Publishers:    publishers,
	})

	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	ctl.broadcastFrom(sid, struct {
		Type        string         `json:"type"`
		Participant core.MemberDTO `json:"participant"`
	}{
		Type:        "member_joined",
		Participant: core.MemberDTO{ParticipantID: domain.ParticipantID(sid), Identity: user.Username},
	})

	ctl.armTokenTimers(sid, expiresAt)
}

// handleLeave leaves the current channel, the websocket stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn core.SignalConnection) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.leave(sid, core.ReasonLeave)
	ctl.sendJSON(conn, map[string]any{
		"type": "left",
	})
}

func (ctl *SignalWSController) leave(sid core.SessionID, reason string) {
	ctl.stopTokenTimers(sid)
	if _, _, ok := ctl.Orch.Registry.ChannelOf(sid); !ok {
		return
	}
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	ctl.broadcastFrom(sid, struct {
		Type        string         `json:"type"`
		Participant core.MemberDTO `json:"participant"`
		Reason      string         `json:"reason"`
	}{
		Type:        "member_left",
		Participant: core.MemberDTO{ParticipantID: domain.ParticipantID(sid), Identity: user.Username},
		Reason:      reason,
	})
	ctl.Orch.KickBySID(sid)
}
