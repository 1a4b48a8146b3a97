package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"parking-sync-backend/internal/broadcast"
	"parking-sync-backend/internal/editlock"
	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/service"
	"parking-sync-backend/internal/store"
	"parking-sync-backend/internal/version"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestService(t *testing.T, s store.Store) *service.Service {
	t.Helper()
	if s == nil {
		var err error
		s, err = store.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
	}
	events := broadcast.New(16, nil)
	lock := editlock.NewManager(editlock.WithOnChange(service.LockObserver(events, nil)))
	t.Cleanup(lock.Close)
	return service.New(version.NewGuard(s, nil), lock, events)
}

func newTestRouter(t *testing.T, opts Options) *gin.Engine {
	t.Helper()
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	return NewRouter(newTestService(t, nil), opts)
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

const occupiedBody = `{"version":0,"data":{"spots":{"A-1":{"status":"occupied","vehicle":{"model":"Model 3","variant":"LR","year":"2023","color":"Red","tires":"Stock","vin":"5YJ3","plate":"EV-1"}}},"models":{"Model 3":["LR","Performance"]}}}`

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) model.StateEnvelope {
	t.Helper()
	var env model.StateEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestGetState_Default(t *testing.T) {
	r := newTestRouter(t, Options{})

	for _, path := range []string{"/state", "/api/state"} {
		w := do(r, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		assert.JSONEq(t, `{"version":0,"updatedAt":null,"data":{"spots":{},"models":{}}}`, w.Body.String())
	}
}

func TestPutState_RoundTripAndStaleConflict(t *testing.T) {
	r := newTestRouter(t, Options{})

	w := do(r, http.MethodPut, "/api/state", occupiedBody, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env := decodeEnvelope(t, w)
	assert.Equal(t, int64(1), env.Version)
	require.NotNil(t, env.UpdatedAt)

	w = do(r, http.MethodGet, "/state", "", nil)
	got := decodeEnvelope(t, w)
	assert.Equal(t, env.Version, got.Version)
	assert.Equal(t, "EV-1", got.Data.Spots["A-1"].Vehicle.Plate)

	for i := 0; i < 2; i++ {
		w = do(r, http.MethodPut, "/state", occupiedBody, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.JSONEq(t, `{"currentVersion":1}`, w.Body.String())
	}

	w = do(r, http.MethodGet, "/state", "", nil)
	assert.Equal(t, int64(1), decodeEnvelope(t, w).Version)
}

func TestPutState_IfMatchVersionHeader(t *testing.T) {
	r := newTestRouter(t, Options{})
	body := `{"data":{"spots":{},"models":{}}}`

	w := do(r, http.MethodPut, "/state", body, map[string]string{headerIfMatchVersion: "0"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPut, "/state", body, map[string]string{headerIfMatchVersion: "0"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPut, "/state", body, map[string]string{headerIfMatchVersion: "one"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPutState_LockHeldByAnotherEditor(t *testing.T) {
	r := newTestRouter(t, Options{})

	w := do(r, http.MethodPost, "/lock", `{"id":"user-1"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"locked":true,"editorId":"user-1"}`, w.Body.String())

	w = do(r, http.MethodPut, "/state", occupiedBody, map[string]string{headerEditorID: "user-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Forbidden"}`, w.Body.String())

	w = do(r, http.MethodGet, "/state", "", nil)
	assert.Equal(t, int64(0), decodeEnvelope(t, w).Version)

	w = do(r, http.MethodPut, "/state", occupiedBody, map[string]string{headerEditorID: "user-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPutState_UnversionedRequiresLock(t *testing.T) {
	r := newTestRouter(t, Options{})
	body := `{"data":{"spots":{},"models":{}}}`

	w := do(r, http.MethodPut, "/state", body, map[string]string{headerEditorID: "user-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	do(r, http.MethodPost, "/lock", `{"id":"user-1"}`, nil)
	w = do(r, http.MethodPut, "/state", body, map[string]string{headerEditorID: "user-1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPutState_ValidationErrors(t *testing.T) {
	r := newTestRouter(t, Options{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"version":0,"data":`, "Invalid JSON"},
		{"not an object", `[]`, ""},
		{"missing data", `{"version":0}`, "data must be an object"},
		{"bad status", `{"version":0,"data":{"spots":{"A-1":{"status":"parked"}},"models":{}}}`, "status"},
		{"occupied without vehicle", `{"version":0,"data":{"spots":{"A-1":{"status":"occupied"}},"models":{}}}`, "vehicle"},
		{"legacy shape", `{"version":0,"spots":{},"models":{}}`, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPut, "/state", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Contains(t, resp["error"], tt.want)
		})
	}

	w := do(r, http.MethodGet, "/state", "", nil)
	assert.Equal(t, int64(0), decodeEnvelope(t, w).Version, "rejected writes must not persist")
}

func TestPutState_BodyTooLarge(t *testing.T) {
	r := newTestRouter(t, Options{MaxBodyBytes: 64})
	w := do(r, http.MethodPut, "/state", occupiedBody, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type brokenStore struct{}

func (brokenStore) Get(_ context.Context) (*model.StateEnvelope, error) {
	return nil, fmt.Errorf("upstash: %w", store.ErrUnavailable)
}

func (brokenStore) Set(_ context.Context, _ *model.StateEnvelope) error {
	return store.ErrUnavailable
}

func TestState_StoreFailureIsGeneric500(t *testing.T) {
	r := NewRouter(newTestService(t, brokenStore{}), Options{RateLimit: rate.Inf})

	w := do(r, http.MethodGet, "/state", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Server error"}`, w.Body.String())

	w = do(r, http.MethodPut, "/state", occupiedBody, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "upstash")
}

func TestLock_AcquireReleaseMatrix(t *testing.T) {
	r := newTestRouter(t, Options{})

	w := do(r, http.MethodPost, "/lock", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/lock", `{"id":"a"}`, nil)
	assert.JSONEq(t, `{"locked":true,"editorId":"a"}`, w.Body.String())

	w = do(r, http.MethodPost, "/api/lock", `{"id":"a"}`, nil)
	assert.JSONEq(t, `{"locked":true,"editorId":"a"}`, w.Body.String())

	w = do(r, http.MethodPost, "/lock", `{"id":"b"}`, nil)
	assert.JSONEq(t, `{"locked":false,"editorId":"a"}`, w.Body.String())

	w = do(r, http.MethodDelete, "/lock/b", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"editorId":"a"}`, w.Body.String())

	w = do(r, http.MethodDelete, "/lock/a", "", nil)
	assert.JSONEq(t, `{"ok":true,"editorId":""}`, w.Body.String())

	w = do(r, http.MethodPost, "/lock", `{"id":"b"}`, nil)
	assert.JSONEq(t, `{"locked":true,"editorId":"b"}`, w.Body.String())
}

func TestRouting_HealthNotFoundMethodNotAllowedOptions(t *testing.T) {
	r := newTestRouter(t, Options{AllowedOrigins: []string{"https://lot.example.com"}})

	w := do(r, http.MethodGet, "/api/health", "", nil)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = do(r, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, w.Body.String())

	w = do(r, http.MethodPost, "/state", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.JSONEq(t, `{"error":"Method not allowed"}`, w.Body.String())

	w = do(r, http.MethodOptions, "/api/state", "", map[string]string{"Origin": "https://lot.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://lot.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(r, http.MethodGet, "/subscriptions", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "alert routes are off without push config")
}

func TestRouting_RateLimited(t *testing.T) {
	r := NewRouter(newTestService(t, nil), Options{RateLimit: rate.Limit(1), RateBurst: 1})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/health", "", nil).Code)
}

// readEvent returns the next data frame of an SSE stream, skipping comments.
func readEvent(t *testing.T, sc *bufio.Scanner) model.Event {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev model.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		return ev
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return model.Event{}
}

func TestEvents_InitialSnapshotThenUpdates(t *testing.T) {
	r := newTestRouter(t, Options{Heartbeat: 20 * time.Millisecond})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	first := readEvent(t, sc)
	assert.Equal(t, model.EventStateUpdate, first.Type)
	assert.Equal(t, int64(0), first.Version)
	second := readEvent(t, sc)
	assert.Equal(t, model.EventLockStatus, second.Type)
	assert.False(t, second.Locked)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/state", strings.NewReader(occupiedBody))
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode)

	ev := readEvent(t, sc)
	assert.Equal(t, model.EventStateUpdate, ev.Type)
	assert.Equal(t, int64(1), ev.Version)

	lock, err := http.Post(srv.URL+"/lock", "application/json", strings.NewReader(`{"id":"user-1"}`))
	require.NoError(t, err)
	lock.Body.Close()

	ev = readEvent(t, sc)
	assert.Equal(t, model.EventLockStatus, ev.Type)
	assert.True(t, ev.Locked)
	assert.Equal(t, "user-1", ev.EditorID)
}

// brokenPipe is a ResponseWriter whose peer has already gone away.
type brokenPipe struct {
	header http.Header
}

func (w *brokenPipe) Header() http.Header       { return w.header }
func (w *brokenPipe) WriteHeader(int)           {}
func (w *brokenPipe) Flush()                    {}
func (w *brokenPipe) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEvents_StopsWhenSnapshotWriteFails(t *testing.T) {
	svc := newTestService(t, nil)
	h := NewHandler(svc, Options{Heartbeat: time.Hour})

	c, _ := gin.CreateTestContext(&brokenPipe{header: http.Header{}})
	c.Request = httptest.NewRequest(http.MethodGet, "/events", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Events(c)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler kept streaming to a dead peer")
	}
	assert.Equal(t, 0, svc.Subscribers())
}

func TestEvents_Heartbeat(t *testing.T) {
	r := newTestRouter(t, Options{Heartbeat: 10 * time.Millisecond})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() == ": ping" {
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestWebSocket_InitialSnapshotThenUpdates(t *testing.T) {
	r := newTestRouter(t, Options{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readWS := func() model.Event {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev model.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		return ev
	}

	assert.Equal(t, model.EventStateUpdate, readWS().Type)
	assert.Equal(t, model.EventLockStatus, readWS().Type)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/state", strings.NewReader(occupiedBody))
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	put.Body.Close()

	ev := readWS()
	assert.Equal(t, model.EventStateUpdate, ev.Type)
	assert.Equal(t, int64(1), ev.Version)
}

func TestWebSocket_RejectsUnknownOrigin(t *testing.T) {
	r := newTestRouter(t, Options{AllowedOrigins: []string{"https://lot.example.com"}})
	srv := httptest.NewServer(r)
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
