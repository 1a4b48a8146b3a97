package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/notification"
)

type putSubscriptionRequest struct {
	Endpoint        string   `json:"endpoint" binding:"required"`
	P256DH          string   `json:"p256dh" binding:"required"`
	Auth            string   `json:"auth" binding:"required"`
	SubscribedSpots []string `json:"subscribed_spots" binding:"dive,required,max=64"`
}

// PutSubscription handles the creation or replacement of a subscription.
func (h *Handler) PutSubscription(c *gin.Context) {
	var req putSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !h.pushEnabled() {
		h.writeError(c, errPushDisabled)
		return
	}

	subscription := model.PushSubscription{
		Endpoint: req.Endpoint,
		P256DH:   req.P256DH,
		Auth:     req.Auth,
	}

	err := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Omit("Spots").Create(&subscription).Error; err != nil {
			return err
		}

		if err := tx.Where("endpoint = ?", req.Endpoint).Delete(&model.SpotWatch{}).Error; err != nil {
			return err
		}

		watches := make([]model.SpotWatch, 0, len(req.SubscribedSpots))
		seen := make(map[string]bool, len(req.SubscribedSpots))
		for _, id := range req.SubscribedSpots {
			if seen[id] {
				continue
			}
			seen[id] = true
			watches = append(watches, model.SpotWatch{Endpoint: req.Endpoint, SpotID: id})
		}
		if len(watches) == 0 {
			return nil
		}
		return tx.Create(&watches).Error
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusCreated)
}

type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// DeleteSubscription handles the deletion of a subscription.
func (h *Handler) DeleteSubscription(c *gin.Context) {
	var req deleteSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if !h.pushEnabled() {
		h.writeError(c, errPushDisabled)
		return
	}

	if err := notification.DeleteSubscription(c.Request.Context(), h.db, req.Endpoint); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// rawQueryParam reads a query value without URL decoding; push endpoints are
// stored exactly as the browser reported them.
func rawQueryParam(rawQuery, key string) (string, bool) {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

// GetSubscription handles the retrieval of a subscription.
func (h *Handler) GetSubscription(c *gin.Context) {
	raw, ok := rawQueryParam(c.Request.URL.RawQuery, "endpoint")
	if !ok || raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}
	if !h.pushEnabled() {
		h.writeError(c, errPushDisabled)
		return
	}

	var subscription model.PushSubscription
	err := h.db.WithContext(c.Request.Context()).
		Preload("Spots", func(db *gorm.DB) *gorm.DB { return db.Order("spot_id") }).
		First(&subscription, "endpoint = ?", raw).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	spotIDs := make([]string, len(subscription.Spots))
	for i, w := range subscription.Spots {
		spotIDs[i] = w.SpotID
	}
	c.JSON(http.StatusOK, gin.H{"subscribed_spots": spotIDs})
}
