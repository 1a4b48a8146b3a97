package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV emulates the Redis REST endpoint for GET and SET.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
	status int
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	var cmd []string
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd[0] {
	case "GET":
		v, ok := f.values[cmd[1]]
		if !ok {
			w.Write([]byte(`{"result":null}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": v})
	case "SET":
		f.values[cmd[1]] = cmd[2]
		w.Write([]byte(`{"result":"OK"}`))
	default:
		w.Write([]byte(`{"error":"ERR unknown command"}`))
	}
}

func newFakeKV(t *testing.T) (*fakeKV, *httptest.Server) {
	t.Helper()
	kv := &fakeKV{values: map[string]string{}}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)
	return kv, srv
}

func TestKVStore_RoundTrip(t *testing.T) {
	kv, srv := newFakeKV(t)
	s, err := NewKVStore(srv.URL, "test-token", "parking_app_state_v1", time.Second)
	require.NoError(t, err)

	env, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.Version)

	want := sampleEnvelope(2)
	require.NoError(t, s.Set(context.Background(), want))
	assert.Contains(t, kv.values, "parking_app_state_v1")

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.Version, got.Version)
	assert.Equal(t, want.Data, got.Data)
}

func TestKVStore_RemoteFailureIsUnavailable(t *testing.T) {
	kv, srv := newFakeKV(t)
	kv.status = http.StatusBadGateway

	s, err := NewKVStore(srv.URL, "test-token", "k", time.Second)
	require.NoError(t, err)

	_, err = s.Get(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Set(context.Background(), sampleEnvelope(1)), ErrUnavailable)
}

func TestKVStore_WrongTokenIsUnavailable(t *testing.T) {
	_, srv := newFakeKV(t)
	s, err := NewKVStore(srv.URL, "other-token", "k", time.Second)
	require.NoError(t, err)

	_, err = s.Get(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestKVStore_CorruptValueYieldsDefault(t *testing.T) {
	kv, srv := newFakeKV(t)
	kv.values["k"] = "{broken"

	s, err := NewKVStore(srv.URL, "test-token", "k", time.Second)
	require.NoError(t, err)

	env, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.Version)
}

func TestNewKVStore_RequiresCredentials(t *testing.T) {
	_, err := NewKVStore("", "", "k", time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
