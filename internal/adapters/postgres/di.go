package postgres

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/app/files"
	"github.com/dkeye/voicelink/internal/config"
)

// RegisterDI provides files.Repository: PostgreSQL when database_url is set,
// memory otherwise.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (files.Repository, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.DatabaseURL == "" {
			return files.NewMemoryRepository(), nil
		}
		p, err := Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return NewFileRepository(p), nil
	})
}
