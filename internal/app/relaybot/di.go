package relaybot

import (
	"strings"

	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Supervisor, error) {
		cfg := do.MustInvoke[*config.Config](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return New(Config{
			Path: cfg.Bot.WorkerPath,
			Args: cfg.Bot.WorkerArgs,
			Env: []string{
				"RELAY_SIGNAL_URL=" + cfg.Bot.SignalURL,
				"RELAY_LOG_LEVEL=" + cfg.LogLevel,
				"RELAY_ICE_SERVERS=" + strings.Join(cfg.ICEServers, ","),
			},
			ReadyTimeout:    cfg.Bot.ReadyTimeout,
			CommandTimeout:  cfg.Bot.CommandTimeout,
			ShutdownTimeout: cfg.Bot.ShutdownTimeout,
		}, m), nil
	})
}
