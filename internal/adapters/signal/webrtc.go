package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type candidatePayload struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (ctl *SignalWSController) sendCandidate(c core.SignalConnection, ci webrtc.ICECandidateInit) {
	ctl.sendJSON(c, candidatePayload{
		Type:          "candidate",
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (ctl *SignalWSController) handleOffer(sid core.SessionID, conn core.SignalConnection, data []byte) {
	var p struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}
	if _, _, ok := ctl.Orch.Registry.ChannelOf(sid); !ok {
		ctl.sendError(conn, "join a channel first")
		return
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}

	if mc := sess.Media(); mc != nil && !mc.IsClosed() {
		if !mc.Stable() {
			// our own offer is in flight, the client rolls back and answers it first
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("offer glare, ignoring client offer")
			return
		}
		answer, err := mc.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("webrtc apply renegotiation offer")
			ctl.sendError(conn, "renegotiation failed")
			return
		}
		ctl.sendJSON(conn, map[string]string{"type": "answer", "sdp": answer.SDP})
		return
	}

	wc, err := rtc.NewWebRTCConnection(ctl.opts.ICE, sid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
		ctl.sendError(conn, "media setup failed")
		return
	}

	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, ci)
	})

	ctl.Orch.BindMediaHandlers(wc, sid)

	if err = wc.Start(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
		wc.Close()
		return
	}

	answer, err := wc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		ctl.sendError(conn, "media setup failed")
		wc.Close()
		return
	}

	sess.UpdateMedia(wc)
	ctl.sendJSON(conn, map[string]string{
		"type": "answer",
		"sdp":  answer.SDP,
	})
	ctl.Orch.OnMediaReady(sid)
}

func (ctl *SignalWSController) handleAnswer(sid core.SessionID, data []byte) {
	var p struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		return
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	if err := sess.Media().ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("apply answer")
	}

	ctl.negMu.Lock()
	st := ctl.negState(sid)
	st.inFlight = false
	again := st.pending
	if again {
		st.pending = false
		st.inFlight = true
	}
	ctl.negMu.Unlock()
	if again {
		go ctl.sendOffer(sid)
	}
}

func (ctl *SignalWSController) handleCandidate(sid core.SessionID, data []byte) {
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("candidate: no session for")
		return
	}
	mc := sess.Media()
	if mc == nil {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("candidate: no media connection for")
		return
	}
	cand := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
	if err := mc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}

// negState must be called with negMu held.
func (ctl *SignalWSController) negState(sid core.SessionID) *negotiation {
	st, ok := ctl.neg[sid]
	if !ok {
		st = &negotiation{}
		ctl.neg[sid] = st
	}
	return st
}

// Renegotiate sends a server offer to sid, or queues one while an exchange is in flight.
func (ctl *SignalWSController) Renegotiate(sid core.SessionID) {
	ctl.negMu.Lock()
	st := ctl.negState(sid)
	if st.inFlight {
		st.pending = true
		ctl.negMu.Unlock()
		return
	}
	st.inFlight = true
	ctl.negMu.Unlock()
	go ctl.sendOffer(sid)
}

func (ctl *SignalWSController) sendOffer(sid core.SessionID) {
	fail := func() {
		ctl.negMu.Lock()
		ctl.negState(sid).inFlight = false
		ctl.negMu.Unlock()
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok || sess.Media() == nil || sess.Media().IsClosed() {
		fail()
		return
	}
	offer, err := sess.Media().CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("create renegotiation offer")
		fail()
		return
	}
	ctl.sendJSON(sess.Signal(), map[string]string{"type": "offer", "sdp": offer.SDP})
}

func (ctl *SignalWSController) TrackPublished(ch domain.ChannelID, key sfu.RelayKey) {
	ctl.broadcastTrack(ch, key, "track_published")
}

func (ctl *SignalWSController) TrackUnpublished(ch domain.ChannelID, key sfu.RelayKey) {
	ctl.broadcastTrack(ch, key, "track_unpublished")
}

func (ctl *SignalWSController) broadcastTrack(ch domain.ChannelID, key sfu.RelayKey, kind string) {
	b, err := json.Marshal(map[string]string{
		"type":           kind,
		"participant_id": string(key.SID),
		"track_id":       key.TrackID,
	})
	if err != nil {
		return
	}
	ctl.Orch.Broadcast(ch, key.SID, b)
}
