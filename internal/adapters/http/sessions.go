package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/app"
	"github.com/dkeye/voicelink/internal/domain"
)

// SessionService is the quota manager as seen by the HTTP layer.
type SessionService interface {
	CreateSession(ctx context.Context, channel domain.ChannelID, identity string) (domain.Session, domain.Limits, error)
	Heartbeat(ctx context.Context, id string) (domain.Session, error)
	EndSession(ctx context.Context, id string) error
	Get(id string) (domain.Session, error)
	Limits(ctx context.Context, identity string) (domain.Limits, error)
	Now() time.Time
}

type sessionHandlers struct {
	svc             SessionService
	defaultIdentity string
	limiter         *app.RateLimiter
}

type createSessionRequest struct {
	ChannelID string `json:"channelId"`
	Identity  string `json:"identity"`
}

func (h *sessionHandlers) identity(raw string) string {
	if raw == "" {
		return h.defaultIdentity
	}
	return raw
}

func (h *sessionHandlers) create(c *gin.Context) {
	const op = "http.CreateSession"
	if !h.limiter.Allow(c.ClientIP()) {
		log.Warn().Str("module", "adapters.http").Str("client_ip", c.ClientIP()).Msg("session rate limit hit")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "too many session requests, slow down",
			"code":  domain.CodeValidationFailed,
		})
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, op, "invalid request body")
		return
	}
	s, limits, err := h.svc.CreateSession(c.Request.Context(), domain.ChannelID(req.ChannelID), h.identity(req.Identity))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId":   s.ID,
		"channelId":   s.ChannelID,
		"identity":    s.Identity,
		"joinedAt":    s.JoinedAt,
		"expiresAt":   s.ExpiresAt,
		"remainingMs": s.Remaining(h.svc.Now()).Milliseconds(),
		"limits":      limits,
	})
}

func (h *sessionHandlers) heartbeat(c *gin.Context) {
	s, err := h.svc.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":      s.ID,
		"lastActivityAt": s.LastActivityAt,
		"expiresAt":      s.ExpiresAt,
		"remainingMs":    s.Remaining(h.svc.Now()).Milliseconds(),
	})
}

func (h *sessionHandlers) end(c *gin.Context) {
	if err := h.svc.EndSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *sessionHandlers) get(c *gin.Context) {
	s, err := h.svc.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":     s,
		"remainingMs": s.Remaining(h.svc.Now()).Milliseconds(),
	})
}

func (h *sessionHandlers) limits(c *gin.Context) {
	l, err := h.svc.Limits(c.Request.Context(), h.identity(c.Query("identity")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}
