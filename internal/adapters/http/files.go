package http

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicelink/internal/domain"
)

type FileService interface {
	Save(ctx context.Context, name string, r io.Reader) (domain.UploadedFileRecord, error)
	Get(ctx context.Context, id string) (domain.UploadedFileRecord, error)
	List(ctx context.Context) ([]domain.UploadedFileRecord, error)
	Delete(ctx context.Context, id string) error
	Path(ctx context.Context, id string) (string, error)
}

type fileHandlers struct {
	svc FileService
}

func (h *fileHandlers) upload(c *gin.Context) {
	const op = "http.UploadFile"
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, op, "multipart field \"file\" is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, domain.E(domain.CodeInternal, op, "", err))
		return
	}
	defer f.Close()

	rec, err := h.svc.Save(c.Request.Context(), fh.Filename, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *fileHandlers) list(c *gin.Context) {
	recs, err := h.svc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []domain.UploadedFileRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"files": recs})
}

func (h *fileHandlers) get(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *fileHandlers) remove(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
