package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"parking-sync-backend/internal/service"
)

type lockRequest struct {
	ID string `json:"id"`
}

// AcquireLock handles POST /lock.
func (h *Handler) AcquireLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	granted, st, err := h.svc.AcquireLock(req.ID)
	if errors.Is(err, service.ErrMissingEditor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": granted, "editorId": st.EditorID})
}

// ReleaseLock handles DELETE /lock/:id.
func (h *Handler) ReleaseLock(c *gin.Context) {
	st := h.svc.ReleaseLock(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true, "editorId": st.EditorID})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
