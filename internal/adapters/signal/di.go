package signal

import (
	"time"

	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/app/sfu"
	"github.com/dkeye/voicelink/internal/app/tokens"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

// RegisterDI provides the channel server: orchestrator, relays and the
// signaling controller.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*SignalWSController, error) {
		cfg := do.MustInvoke[*config.Config](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		ts := do.MustInvoke[*tokens.Service](i)

		o := orch.New(app.NewRegistry(), app.NewChannelManager(), app.SimplePolicy{}, sfu.NewRelayManager())
		opts := Options{
			AppID:       cfg.AppID,
			ICE:         rtc.DefaultWebRTCConfig(cfg.ICEServers...),
			JoinLimiter: app.NewRateLimiter(10, time.Minute),
			ReadLimit:   cfg.ReadLimit,
			PingPeriod:  cfg.PingPeriod,
			Metrics:     m,
		}
		if ts != nil {
			opts.Verifier = ts
		}
		return NewSignalWSController(o, opts), nil
	})
}
