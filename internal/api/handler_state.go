package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"parking-sync-backend/internal/validate"
)

const (
	headerEditorID       = "X-Editor-Id"
	headerIfMatchVersion = "If-Match-Version"
	defaultMaxBodyBytes  = 2 << 20
)

// GetState handles GET /state.
func (h *Handler) GetState(c *gin.Context) {
	env, err := h.svc.State(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, env)
}

// PutState handles PUT /state. Every check runs before anything is written.
func (h *Handler) PutState(c *gin.Context) {
	headerVersion, err := parseVersionHeader(c.GetHeader(headerIfMatchVersion))
	if err != nil {
		h.writeError(c, err)
		return
	}

	req, err := validate.DecodeWrite(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		h.writeError(c, err)
		return
	}

	env, err := h.svc.Write(c.Request.Context(), req, c.GetHeader(headerEditorID), headerVersion)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, env)
}

// parseVersionHeader reads If-Match-Version. An empty value means absent.
func parseVersionHeader(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, &validate.Error{Message: "If-Match-Version must be a non-negative integer"}
	}
	return &v, nil
}
