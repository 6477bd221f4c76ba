package files

import (
	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/config"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[Repository](i)
		return NewStore(cfg.UploadDir, cfg.MaxUploadBytes, repo)
	})
}
