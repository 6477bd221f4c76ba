package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/adapters/signal"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/files"
	"github.com/dkeye/voicelink/internal/app/quota"
	"github.com/dkeye/voicelink/internal/app/relaybot"
	"github.com/dkeye/voicelink/internal/app/tokens"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

// RegisterDI provides the router. It expects context.Context and
// *prometheus.Registry values in the injector.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*gin.Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx := do.MustInvoke[context.Context](i)
		reg := do.MustInvoke[*prometheus.Registry](i)
		return SetupRouter(ctx, Deps{
			Config:   cfg,
			Sessions: do.MustInvoke[*quota.Manager](i),
			Files:    do.MustInvoke[*files.Store](i),
			Bot:      do.MustInvoke[*relaybot.Supervisor](i),
			Tokens:   do.MustInvoke[*tokens.Service](i),
			Signal:   do.MustInvoke[*signal.SignalWSController](i),
			Metrics:  do.MustInvoke[*metrics.Metrics](i),
			Gatherer: reg,
			Limiter:  app.NewRateLimiter(cfg.RateLimit.SessionsPerMinute, time.Minute),
		}), nil
	})
}
