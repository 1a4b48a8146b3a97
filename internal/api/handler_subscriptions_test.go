package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"parking-sync-backend/config"
	"parking-sync-backend/internal/db"
	"parking-sync-backend/internal/model"
)

func setupSubscriptionRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{
		DSN:          "sqlite:" + filepath.Join(t.TempDir(), "alerts.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	r := NewRouter(newTestService(t, nil), Options{
		RateLimit: rate.Inf,
		DB:        gormDB,
		WebPush:   &webpush.Options{VAPIDPublicKey: "BPub", VAPIDPrivateKey: "priv"},
	})
	return r, gormDB
}

func TestPutSubscription_InvalidRequest(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)

	w := do(router, http.MethodPut, "/api/subscriptions", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptions_Lifecycle(t *testing.T) {
	router, gormDB := setupSubscriptionRouter(t)
	endpoint := "https://push.example.com/send/abc%3D%3D"

	w := do(router, http.MethodPut, "/api/subscriptions",
		`{"endpoint":"`+endpoint+`","p256dh":"key","auth":"secret","subscribed_spots":["B-2","A-1","A-1"]}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(router, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_spots":["A-1","B-2"]}`, w.Body.String())

	// Replacing the watch list drops the old spots.
	w = do(router, http.MethodPut, "/subscriptions",
		`{"endpoint":"`+endpoint+`","p256dh":"key2","auth":"secret","subscribed_spots":["C-3"]}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodGet, "/subscriptions?endpoint="+endpoint, "", nil)
	assert.JSONEq(t, `{"subscribed_spots":["C-3"]}`, w.Body.String())

	var sub model.PushSubscription
	require.NoError(t, gormDB.First(&sub, "endpoint = ?", endpoint).Error)
	assert.Equal(t, "key2", sub.P256DH)

	w = do(router, http.MethodDelete, "/subscriptions", `{"endpoint":"`+endpoint+`"}`, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(router, http.MethodGet, "/subscriptions?endpoint="+url.QueryEscape("unused")+"&x=1", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, http.MethodGet, "/subscriptions?endpoint="+endpoint, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var watches int64
	gormDB.Model(&model.SpotWatch{}).Count(&watches)
	assert.Zero(t, watches)
}

func TestGetSubscription_MissingEndpoint(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)
	w := do(router, http.MethodGet, "/subscriptions", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetVAPIDPublicKey(t *testing.T) {
	router, _ := setupSubscriptionRouter(t)

	w := do(router, http.MethodGet, "/api/vapid_public_key", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "BPub", resp["public_key"])
}

func TestPushHandlers_DisabledWithoutKeys(t *testing.T) {
	h := NewHandler(newTestService(t, nil), Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/vapid_public_key", nil)
	h.GetVAPIDPublicKey(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"push alerts are not configured"}`, w.Body.String())
}
