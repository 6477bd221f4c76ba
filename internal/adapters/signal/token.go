package signal

import (
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) armTokenTimers(sid core.SessionID, expiresAt time.Time) {
	ctl.stopTokenTimers(sid)
	if expiresAt.IsZero() {
		return
	}
	until := time.Until(expiresAt)
	timers := make([]*time.Timer, 0, 2)
	if warnIn := until - ctl.opts.WillExpireLead; warnIn > 0 {
		timers = append(timers, time.AfterFunc(warnIn, func() {
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("token will expire")
			ctl.sendTo(sid, map[string]any{
				"type":       "token_will_expire",
				"expires_at": expiresAt,
			})
		}))
	}
	timers = append(timers, time.AfterFunc(max(until, 0), func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("token expired, removing member")
		ctl.sendTo(sid, map[string]any{"type": "token_expired"})
		ctl.leave(sid, "token_expired")
	}))

	ctl.timerMu.Lock()
	ctl.tokenTimers[sid] = timers
	ctl.timerMu.Unlock()
}

func (ctl *SignalWSController) stopTokenTimers(sid core.SessionID) {
	ctl.timerMu.Lock()
	timers := ctl.tokenTimers[sid]
	delete(ctl.tokenTimers, sid)
	ctl.timerMu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}
