package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/profile"
)

func (h *handler) upload(c *gin.Context) {
	limits := h.deps.Uploader.Limits()

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file provided"})
		return
	}
	if fh.Size > limits.MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file size exceeds %d MB limit", limits.MaxFileSize>>20),
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limits.MaxFileSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	desc, err := h.deps.Uploader.Upload(c.Request.Context(), actorFrom(c).ID, fh.Filename, fh.Header.Get("Content-Type"), data)
	switch {
	case errors.Is(err, attachment.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, attachment.ErrInvalidFilename):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("attachment upload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to upload attachment"})
	default:
		c.JSON(http.StatusOK, desc)
	}
}

type signatureBody struct {
	SignatureHTML    *string `json:"signatureHtml"`
	SignatureEnabled *bool   `json:"signatureEnabled"`
}

func (h *handler) getSignature(c *gin.Context) {
	p, err := h.deps.Profiles.Get(c.Request.Context(), actorFrom(c).ID)
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"signatureHtml": "", "signatureEnabled": false})
		return
	}
	if err != nil {
		h.logger.Error("failed to load signature", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch signature"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signatureHtml": p.SignatureHTML, "signatureEnabled": p.SignatureEnabled})
}

func (h *handler) putSignature(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody)

	var body signatureBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	p, err := h.deps.Profiles.UpdateSignature(c.Request.Context(), actorFrom(c).ID, body.SignatureHTML, body.SignatureEnabled)
	if err != nil {
		h.logger.Error("failed to update signature", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update signature"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"signatureHtml":    p.SignatureHTML,
		"signatureEnabled": p.SignatureEnabled,
	})
}
