package quota

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

// RegisterDI provides *Manager, backed by Redis usage counters when
// redis_url is set.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		var usage UsageStore
		if cfg.RedisURL != "" {
			rdb, err := OpenRedis(context.Background(), cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			usage = NewRedisUsageStore(rdb)
		}
		return NewManager(Config{
			MaxConnectionsPerDay: cfg.Quota.MaxConnectionsPerDay,
			MaxSessionDuration:   cfg.Quota.MaxSessionDuration,
			StaleAfter:           cfg.Quota.StaleAfter,
			SweepInterval:        cfg.Quota.SweepInterval,
		}, usage, WithMetrics(m)), nil
	})
}
