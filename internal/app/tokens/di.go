package tokens

import (
	"github.com/samber/do/v2"

	"github.com/dkeye/voicelink/internal/config"
)

// RegisterDI provides *Service. It is nil when token_secret is empty, which
// turns off issuing and channel token checks.
func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.TokenSecret == "" {
			return nil, nil
		}
		return New(cfg.TokenSecret, cfg.AppID, cfg.TokenTTL)
	})
}
