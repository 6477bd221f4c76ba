package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicelink/internal/app/tokens"
	"github.com/dkeye/voicelink/internal/domain"
)

type TokenIssuer interface {
	Issue(channel domain.ChannelID, identity string) (tokens.Issued, error)
}

type tokenHandlers struct {
	issuer TokenIssuer
}

func (h *tokenHandlers) issue(c *gin.Context) {
	const op = "http.IssueToken"
	if h.issuer == nil {
		writeError(c, domain.E(domain.CodeNotReady, op, "token issuing is disabled", nil))
		return
	}
	var req struct {
		ChannelID string `json:"channelId"`
		Identity  string `json:"identity"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, op, "invalid request body")
		return
	}
	iss, err := h.issuer.Issue(domain.ChannelID(req.ChannelID), req.Identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, iss)
}
