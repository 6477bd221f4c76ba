package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/adapters/signal"
	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/app/tokens"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/metrics"
)

// Deps is everything the router serves. Nil optional parts disable their
// routes: Signal (websocket), Tokens (issuing), Gatherer (/metrics).
type Deps struct {
	Config   *config.Config
	Sessions SessionService
	Files    FileService
	Bot      BotService
	Tokens   *tokens.Service
	Signal   *signal.SignalWSController
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Limiter  *app.RateLimiter
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	cfg := d.Config
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(d.Metrics))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceLinkSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	sh := &sessionHandlers{svc: d.Sessions, defaultIdentity: cfg.DefaultIdentity, limiter: d.Limiter}
	sess := r.Group("/sessions")
	sess.POST("", sh.create)
	sess.GET("/limits", sh.limits)
	sess.GET("/:id", sh.get)
	sess.POST("/:id/heartbeat", sh.heartbeat)
	sess.DELETE("/:id", sh.end)

	api := r.Group("/api")

	fh := &fileHandlers{svc: d.Files}
	api.POST("/files", fh.upload)
	api.GET("/files", fh.list)
	api.GET("/files/:id", fh.get)
	api.DELETE("/files/:id", fh.remove)

	var issuer TokenIssuer
	if d.Tokens != nil {
		issuer = d.Tokens
	}
	th := &tokenHandlers{issuer: issuer}
	api.POST("/tokens", th.issue)

	bh := &botHandlers{bot: d.Bot, files: d.Files, tokens: issuer, appID: cfg.AppID, identity: cfg.Bot.Identity}
	bot := api.Group("/bot")
	bot.POST("/start", bh.start)
	bot.GET("/status", bh.status)
	bot.GET("/logs", bh.logs)
	bot.POST("/join", bh.join)
	bot.POST("/play", bh.play)
	bot.POST("/stop", bh.stop)
	bot.POST("/leave", bh.leave)
	bot.POST("/shutdown", bh.shutdown)

	if d.Signal != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
			d.Signal.HandleSignal(ctx, c)
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
