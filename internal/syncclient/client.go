// Package syncclient is the Go client of the parking state service. It keeps
// a local copy of the last good state so callers can keep working while the
// server is unreachable.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/store"
)

// Push transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultMaxReconnects = 5
	defaultHTTPTimeout   = 15 * time.Second
	defaultDegradedAfter = 3
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// EditorID identifies this client to the edit lock. A random uuid is
	// used when empty.
	EditorID string
	// CachePath is the local copy of the last known state. Empty disables it.
	CachePath     string
	Transport     string
	PollInterval  time.Duration
	MaxReconnects int
	// DegradedAfter is how many consecutive failed requests it takes to
	// report the client as offline. Defaults to 3.
	DegradedAfter int
	Backoff       Backoff
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client talks to the state service.
type Client struct {
	base      *url.URL
	editorID  string
	transport string
	poll      time.Duration
	reconnect int
	threshold int
	backoff   Backoff
	http      *http.Client
	cache     store.Store
	logger    *slog.Logger

	mu         sync.Mutex
	last       *model.StateEnvelope
	saveCancel context.CancelFunc
	saveGen    uint64
	failures   int
	offline    bool
	fallback   bool
	degraded   bool
	observers  []func(bool)
}

// statusError is a non-2xx answer from the server.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}

	c := &Client{
		base:      base,
		editorID:  opts.EditorID,
		transport: opts.Transport,
		poll:      opts.PollInterval,
		reconnect: opts.MaxReconnects,
		threshold: opts.DegradedAfter,
		backoff:   opts.Backoff,
		http:      opts.HTTPClient,
		logger:    opts.Logger,
	}
	if c.editorID == "" {
		c.editorID = uuid.NewString()
	}
	if c.transport == "" {
		c.transport = TransportSSE
	}
	if c.transport != TransportSSE && c.transport != TransportWebSocket {
		return nil, fmt.Errorf("unknown transport %q", c.transport)
	}
	if c.poll <= 0 {
		c.poll = defaultPollInterval
	}
	if c.reconnect <= 0 {
		c.reconnect = defaultMaxReconnects
	}
	if c.threshold <= 0 {
		c.threshold = defaultDegradedAfter
	}
	if c.backoff == (Backoff{}) {
		c.backoff = DefaultBackoff()
	}
	c.backoff = c.backoff.withDefaults()
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "syncclient", "editor", c.editorID)

	if opts.CachePath != "" {
		c.cache, err = store.NewFileStore(opts.CachePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open local cache: %w", err)
		}
	}
	return c, nil
}

// EditorID returns the id this client locks with.
func (c *Client) EditorID() string {
	return c.editorID
}

// OnDegraded registers fn to be told whenever the client enters or leaves
// degraded mode: offline after repeated failures, or reduced to polling.
func (c *Client) OnDegraded(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Degraded reports the current mode.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Last returns the most recent state the client knows of.
func (c *Client) Last() *model.StateEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Load fetches the authoritative state. When the server cannot be reached it
// returns the cached copy, or nil if there is none.
func (c *Client) Load(ctx context.Context) *model.StateEnvelope {
	env, err := c.fetch(ctx)
	if err == nil {
		c.setOffline(false)
		c.remember(ctx, env)
		return env
	}

	c.logger.Warn("load failed, using local copy", "error", err)
	c.setOffline(true)
	return c.cached(ctx)
}

// Save writes data against the last known version. A conflict triggers one
// reload and retry. Other transient failures keep data in the local cache
// and retry in the background until they succeed or a newer Save starts.
func (c *Client) Save(ctx context.Context, data model.StateData) bool {
	gen := c.cancelPendingSave()

	if c.Last() == nil {
		c.Load(ctx)
	}

	env, err := c.put(ctx, data)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		c.logger.Info("save conflicted, reloading")
		if c.Load(ctx) != nil {
			env, err = c.put(ctx, data)
		}
	}
	if err == nil {
		c.setOffline(false)
		c.remember(ctx, env)
		return true
	}

	if !retryable(err) {
		c.logger.Warn("save rejected", "error", err)
		return false
	}

	c.logger.Warn("save failed, retrying in background", "error", err)
	c.setOffline(true)
	c.storePending(ctx, data)
	c.startRetry(gen, data)
	return false
}

// AcquireLock asks for the edit lock.
func (c *Client) AcquireLock(ctx context.Context) bool {
	var resp struct {
		Locked bool `json:"locked"`
	}
	body, _ := json.Marshal(map[string]string{"id": c.editorID})
	if err := c.doJSON(ctx, http.MethodPost, "/lock", body, nil, &resp); err != nil {
		c.logger.Warn("acquire lock failed", "error", err)
		return false
	}
	return resp.Locked
}

// ReleaseLock gives the edit lock back. Releasing a lock held by someone
// else is harmless.
func (c *Client) ReleaseLock(ctx context.Context) bool {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/lock/"+url.PathEscape(c.editorID), nil, nil, &resp); err != nil {
		c.logger.Warn("release lock failed", "error", err)
		return false
	}
	return resp.OK
}

// Close stops any background save retry.
func (c *Client) Close() {
	c.cancelPendingSave()
}

func (c *Client) fetch(ctx context.Context) (*model.StateEnvelope, error) {
	var env model.StateEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/state", nil, nil, &env); err != nil {
		return nil, err
	}
	env.Data.Normalize()
	return &env, nil
}

func (c *Client) put(ctx context.Context, data model.StateData) (*model.StateEnvelope, error) {
	body, err := json.Marshal(struct {
		Data model.StateData `json:"data"`
	}{data})
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"X-Editor-Id": c.editorID}
	if last := c.Last(); last != nil {
		headers["If-Match-Version"] = strconv.FormatInt(last.Version, 10)
	}

	var env model.StateEnvelope
	if err := c.doJSON(ctx, http.MethodPut, "/state", body, headers, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{Code: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) url(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// retryable reports whether a failed request may succeed later unchanged.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// remember records env as the latest known state if it is not older than
// what the client already has.
func (c *Client) remember(ctx context.Context, env *model.StateEnvelope) {
	c.mu.Lock()
	if c.last != nil && env.Version < c.last.Version {
		c.mu.Unlock()
		return
	}
	c.last = env
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.Set(ctx, env); err != nil {
			c.logger.Warn("failed to update local cache", "error", err)
		}
	}
}

func (c *Client) cached(ctx context.Context) *model.StateEnvelope {
	if last := c.Last(); last != nil {
		return last
	}
	if c.cache == nil {
		return nil
	}
	env, err := c.cache.Get(ctx)
	if err != nil || (env.Version == 0 && env.UpdatedAt == nil) {
		return nil
	}
	c.mu.Lock()
	c.last = env
	c.mu.Unlock()
	return env
}

// storePending keeps unsaved data locally so a restart does not lose it.
func (c *Client) storePending(ctx context.Context, data model.StateData) {
	if c.cache == nil {
		return
	}
	pending := &model.StateEnvelope{Data: data}
	if last := c.Last(); last != nil {
		pending.Version = last.Version
		pending.UpdatedAt = last.UpdatedAt
	}
	if err := c.cache.Set(ctx, pending); err != nil {
		c.logger.Warn("failed to cache pending save", "error", err)
	}
}

func (c *Client) cancelPendingSave() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveCancel != nil {
		c.saveCancel()
		c.saveCancel = nil
	}
	c.saveGen++
	return c.saveGen
}

func (c *Client) startRetry(gen uint64, data model.StateData) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.saveGen != gen {
		c.mu.Unlock()
		cancel()
		return
	}
	c.saveCancel = cancel
	c.mu.Unlock()

	go c.retrySave(ctx, data)
}

func (c *Client) retrySave(ctx context.Context, data model.StateData) {
	for attempt := 0; ; attempt++ {
		if !sleep(ctx, c.backoff.Delay(attempt)) {
			return
		}

		// Without a known version the server only accepts the lock holder,
		// so learn the version first.
		if c.Last() == nil {
			fresh, err := c.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.setOffline(true)
				c.logger.Debug("background save cannot reach server", "attempt", attempt+1, "error", err)
				continue
			}
			c.remember(ctx, fresh)
		}
		versioned := c.Last() != nil

		env, err := c.put(ctx, data)
		if err == nil {
			c.logger.Info("background save succeeded", "version", env.Version, "attempts", attempt+1)
			c.setOffline(false)
			c.remember(ctx, env)
			return
		}
		if ctx.Err() != nil {
			return
		}

		var se *statusError
		if errors.As(err, &se) && (se.Code == http.StatusConflict || (se.Code == http.StatusForbidden && !versioned)) {
			if fresh, ferr := c.fetch(ctx); ferr == nil {
				c.remember(ctx, fresh)
			}
			continue
		}
		if !retryable(err) {
			c.logger.Warn("background save rejected", "error", err)
			return
		}
		c.setOffline(true)
		c.logger.Debug("background save failed", "attempt", attempt+1, "error", err)
	}
}

// setOffline records the outcome of a request. The client only counts as
// offline once threshold requests in a row have failed.
func (c *Client) setOffline(failed bool) {
	c.mu.Lock()
	if failed {
		c.failures++
	} else {
		c.failures = 0
	}
	c.offline = c.failures >= c.threshold
	c.updateDegradedLocked()
}

func (c *Client) setFallback(v bool) {
	c.mu.Lock()
	c.fallback = v
	c.updateDegradedLocked()
}

// updateDegradedLocked must be called with c.mu held; it releases it.
func (c *Client) updateDegradedLocked() {
	degraded := c.offline || c.fallback
	if degraded == c.degraded {
		c.mu.Unlock()
		return
	}
	c.degraded = degraded
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(degraded)
	}
}
