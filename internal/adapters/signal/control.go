package signal

import (
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func (ctl *SignalWSController) handlePing(c core.SignalConnection) {
	ctl.sendJSON(c, map[string]string{"type": "pong"})
}

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, c core.SignalConnection) {
	user := ctl.Orch.Registry.GetOrCreateUser(sid)

	resp := struct {
		Type          string               `json:"type"`
		ParticipantID domain.ParticipantID `json:"participant_id"`
		Identity      string               `json:"identity"`
		Channel       domain.ChannelID     `json:"channel,omitempty"`
	}{
		Type:          "whoami",
		ParticipantID: domain.ParticipantID(sid),
		Identity:      user.Username,
	}
	if ch, _, ok := ctl.Orch.Registry.ChannelOf(sid); ok {
		resp.Channel = ch
	}
	ctl.sendJSON(c, resp)
}
