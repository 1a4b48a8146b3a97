package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"parking-sync-backend/internal/service"
	"parking-sync-backend/internal/validate"
	"parking-sync-backend/internal/version"
)

// writeError maps a domain error to its HTTP response. Store and other
// internal failures are logged and never leak to the client.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *validate.Error
	var conflict *version.ConflictError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"currentVersion": conflict.Current})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, errPushDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
}

func methodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
}
