package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var errPushDisabled = errors.New("push alerts are not configured")

// pushEnabled reports whether spot alerts can be stored and delivered.
func (h *Handler) pushEnabled() bool {
	return h.db != nil && h.webpush != nil && h.webpush.VAPIDPublicKey != ""
}

// GetVAPIDPublicKey hands browsers the application server key they need to
// subscribe to spot alerts.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if !h.pushEnabled() {
		h.writeError(c, errPushDisabled)
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.JSON(http.StatusOK, gin.H{"public_key": h.webpush.VAPIDPublicKey})
}
