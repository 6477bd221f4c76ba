package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/domain"
)

// writeError renders err as {error, code}; quota rejections add limits.
func writeError(c *gin.Context, err error) {
	status := domain.HTTPStatus(err)
	body := gin.H{
		"error": domain.PublicMessage(err),
		"code":  domain.CodeOf(err),
	}
	var qe *domain.QuotaExceeded
	if errors.As(err, &qe) {
		body["limits"] = qe.Limits
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, op, msg string) {
	writeError(c, domain.E(domain.CodeValidationFailed, op, msg, nil))
}
