package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/rtc"
	"github.com/dkeye/voicelink/internal/app/worker"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// stdout carries the protocol; every log line goes to stderr.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	var (
		gw      core.Gateway
		problem string
	)
	cfg, err := config.LoadWorker()
	if err != nil {
		problem = err.Error()
	} else {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		gw, problem = loadGateway(ctx, cfg)
	}
	if problem != "" {
		log.Error().Str("module", "relay-worker").Str("reason", problem).Msg("voice provider unavailable")
	}

	w := worker.New(gw, worker.Options{ProviderError: problem})
	if err := w.Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("module", "relay-worker").Msg("worker stopped")
		os.Exit(1)
	}
}

func loadGateway(ctx context.Context, cfg *config.WorkerConfig) (core.Gateway, string) {
	gw, err := rtc.NewGateway(rtc.GatewayConfig{
		SignalURL: cfg.SignalURL,
		ICEURLs:   cfg.ICEServers,
	})
	if err != nil {
		return nil, err.Error()
	}
	lctx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
	defer cancel()
	if err := gw.Load(lctx); err != nil {
		return nil, fmt.Sprintf("signal server %s unreachable: %v", cfg.SignalURL, err)
	}
	return gw, ""
}
