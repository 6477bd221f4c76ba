package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicelink/internal/domain"
)

// BotService is the relay worker supervisor.
type BotService interface {
	Start(ctx context.Context) (domain.BotProcessHandle, error)
	Handle() domain.BotProcessHandle
	Logs() []domain.LogEntry
	Initialize(ctx context.Context, appID string) error
	JoinChannel(ctx context.Context, channel, uid, token string) error
	PlayFile(ctx context.Context, path string) error
	StopPlayback(ctx context.Context) error
	LeaveChannel(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type botHandlers struct {
	bot      BotService
	files    FileService
	tokens   TokenIssuer
	appID    string
	identity string
}

func (h *botHandlers) start(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.bot.Start(ctx); err != nil {
		writeError(c, err)
		return
	}
	if err := h.bot.Initialize(ctx, h.appID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.bot.Handle())
}

func (h *botHandlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.bot.Handle())
}

func (h *botHandlers) logs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": h.bot.Logs()})
}

func (h *botHandlers) join(c *gin.Context) {
	const op = "http.BotJoin"
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, op, "invalid request body")
		return
	}
	if err := domain.ValidateChannelID(req.ChannelID); err != nil {
		writeError(c, domain.E(domain.CodeValidationFailed, op, err.Error(), err))
		return
	}
	token := ""
	if h.tokens != nil {
		iss, err := h.tokens.Issue(domain.ChannelID(req.ChannelID), h.identity)
		if err != nil {
			writeError(c, err)
			return
		}
		token = iss.Token
	}
	if err := h.bot.JoinChannel(c.Request.Context(), req.ChannelID, h.identity, token); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined", "channelId": req.ChannelID, "identity": h.identity})
}

func (h *botHandlers) play(c *gin.Context) {
	const op = "http.BotPlay"
	var req struct {
		FileID string `json:"fileId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.FileID == "" {
		badRequest(c, op, "fileId is required")
		return
	}
	ctx := c.Request.Context()
	path, err := h.files.Path(ctx, req.FileID)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.bot.PlayFile(ctx, path); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "playing", "fileId": req.FileID})
}

func (h *botHandlers) stop(c *gin.Context) {
	if err := h.bot.StopPlayback(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *botHandlers) leave(c *gin.Context) {
	if err := h.bot.LeaveChannel(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *botHandlers) shutdown(c *gin.Context) {
	if err := h.bot.Shutdown(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown"})
}
