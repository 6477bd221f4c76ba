package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/adapters/postgres"
	signalws "github.com/dkeye/voicelink/internal/adapters/signal"
	"github.com/dkeye/voicelink/internal/app/files"
	"github.com/dkeye/voicelink/internal/app/quota"
	"github.com/dkeye/voicelink/internal/app/relaybot"
	"github.com/dkeye/voicelink/internal/app/tokens"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "debug" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	injector := do.New()
	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, reg)
	do.ProvideValue[context.Context](injector, ctx)
	do.ProvideValue(injector, metrics.New(reg))

	postgres.RegisterDI(injector)
	files.RegisterDI(injector)
	quota.RegisterDI(injector)
	tokens.RegisterDI(injector)
	relaybot.RegisterDI(injector)
	signalws.RegisterDI(injector)
	router.RegisterDI(injector)

	engine := do.MustInvoke[*gin.Engine](injector)
	sessions := do.MustInvoke[*quota.Manager](injector)
	bot := do.MustInvoke[*relaybot.Supervisor](injector)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("VoiceLink server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		if bot.Running() {
			if err := bot.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("relay worker shutdown")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}

	sessions.Close()
	if repo, err := do.Invoke[files.Repository](injector); err == nil {
		if s, ok := repo.(interface{ Shutdown() }); ok {
			s.Shutdown()
		}
	}
	log.Info().Msg("Server exited gracefully")
}
