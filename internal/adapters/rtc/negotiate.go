package rtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const gatherTimeout = 5 * time.Second

// negotiate sends a local offer and applies the answer. If the server offers
// at the same time the client rolls back, answers, and offers again.
func (c *client) negotiate(ctx context.Context) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	pc := c.peer()
	if pc == nil {
		return errClientClosed
	}
	for attempt := 0; attempt < 3; attempt++ {
		select {
		case <-c.rollback:
		default:
		}
		select {
		case <-c.answers:
		default:
		}

		c.sdpMu.Lock()
		offer, err := pc.CreateOffer(nil)
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		c.sdpMu.Unlock()
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := waitGathering(ctx, pc); err != nil {
			return err
		}
		if err := c.send(map[string]string{"type": "offer", "sdp": pc.LocalDescription().SDP}); err != nil {
			return err
		}

		select {
		case answer := <-c.answers:
			c.sdpMu.Lock()
			defer c.sdpMu.Unlock()
			if err := pc.SetRemoteDescription(answer); err != nil {
				return fmt.Errorf("apply answer: %w", err)
			}
			c.flushCandidates(pc)
			return nil
		case <-c.rollback:
			log.Debug().Str("module", "rtc.client").Int("attempt", attempt).Msg("offer rolled back, retrying")
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errClientClosed
		}
	}
	return errors.New("negotiation did not settle")
}

func (c *client) handleRemoteOffer(sdp string) {
	pc := c.peer()
	if pc == nil {
		return
	}
	c.sdpMu.Lock()
	if pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			c.sdpMu.Unlock()
			log.Error().Err(err).Str("module", "rtc.client").Msg("rollback")
			return
		}
		select {
		case c.rollback <- struct{}{}:
		default:
		}
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	var answer webrtc.SessionDescription
	if err == nil {
		c.flushCandidates(pc)
		answer, err = pc.CreateAnswer(nil)
	}
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	c.sdpMu.Unlock()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc.client").Msg("answer server offer")
		c.emit(core.Event{Kind: core.EventException, Err: err})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
	defer cancel()
	if err := waitGathering(ctx, pc); err != nil {
		log.Warn().Err(err).Str("module", "rtc.client").Msg("gathering before answer")
	}
	if err := c.send(map[string]string{"type": "answer", "sdp": pc.LocalDescription().SDP}); err != nil {
		log.Warn().Err(err).Str("module", "rtc.client").Msg("send answer")
	}
}

func (c *client) addCandidate(ci webrtc.ICECandidateInit) {
	pc := c.peer()
	c.sdpMu.Lock()
	defer c.sdpMu.Unlock()
	if pc == nil || pc.RemoteDescription() == nil {
		c.pendingICE = append(c.pendingICE, ci)
		return
	}
	if err := pc.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "rtc.client").Msg("add candidate")
	}
}

// flushCandidates must be called with sdpMu held.
func (c *client) flushCandidates(pc *webrtc.PeerConnection) {
	pending := c.pendingICE
	c.pendingICE = nil
	for _, ci := range pending {
		if err := pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "rtc.client").Msg("add queued candidate")
		}
	}
}

func waitGathering(ctx context.Context, pc *webrtc.PeerConnection) error {
	done := webrtc.GatheringCompletePromise(pc)
	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		// trickled candidates still follow
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
