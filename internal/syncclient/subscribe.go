package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"parking-sync-backend/internal/model"
)

// maxFrameBytes bounds one pushed event.
const maxFrameBytes = 8 << 20

// Subscribe delivers every state and lock change to fn until ctx is done.
// It keeps a push channel open, reconnecting with backoff. Once the
// reconnect budget is spent it falls back to polling GET /state and enters
// degraded mode. fn is called from a single goroutine.
func (c *Client) Subscribe(ctx context.Context, fn func(model.Event)) error {
	deliver := func(ev model.Event) {
		if ev.Type == model.EventStateUpdate && ev.StateEnvelope != nil {
			ev.Data.Normalize()
			c.remember(ctx, ev.StateEnvelope)
		}
		fn(ev)
	}

	failures := 0
	for {
		connected, err := c.stream(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			failures = 0
		}
		failures++
		c.logger.Warn("push channel lost", "transport", c.transport, "attempt", failures, "error", err)
		if failures > c.reconnect {
			break
		}
		if !sleep(ctx, c.backoff.Delay(failures-1)) {
			return nil
		}
	}

	c.logger.Warn("push channel unavailable, falling back to polling", "interval", c.poll)
	c.setFallback(true)
	defer c.setFallback(false)
	return c.pollLoop(ctx, deliver)
}

// stream runs one push connection. connected reports whether at least one
// event arrived, which resets the reconnect budget.
func (c *Client) stream(ctx context.Context, deliver func(model.Event)) (connected bool, err error) {
	if c.transport == TransportWebSocket {
		return c.streamWebSocket(ctx, deliver)
	}
	return c.streamSSE(ctx, deliver)
}

func (c *Client) streamSSE(ctx context.Context, deliver func(model.Event)) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/events"), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The shared client carries a request timeout that would cut the stream.
	streamClient := *c.http
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, &statusError{Code: resp.StatusCode}
	}

	connected := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), maxFrameBytes)

	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			ev, err := decodeEvent(data.Bytes())
			data.Reset()
			if err != nil {
				c.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			if !connected {
				connected = true
				c.setOffline(false)
			}
			deliver(ev)
		case strings.HasPrefix(line, ":"):
			// comment / heartbeat
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return connected, err
	}
	return connected, errors.New("event stream closed by server")
}

func (c *Client) streamWebSocket(ctx context.Context, deliver func(model.Event)) (bool, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return false, &statusError{Code: resp.StatusCode}
		}
		return false, err
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	connected := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return connected, err
		}
		ev, err := decodeEvent(msg)
		if err != nil {
			c.logger.Warn("skipping malformed event", "error", err)
			continue
		}
		if !connected {
			connected = true
			c.setOffline(false)
		}
		deliver(ev)
	}
}

// pollLoop re-reads the full state on an interval and emits it only when
// its serialised form differs from the last one delivered.
func (c *Client) pollLoop(ctx context.Context, deliver func(model.Event)) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var lastSeen []byte
	for {
		env, err := c.fetch(ctx)
		switch {
		case err == nil:
			c.setOffline(false)
			if raw, merr := json.Marshal(env); merr == nil && !bytes.Equal(raw, lastSeen) {
				lastSeen = raw
				deliver(model.NewStateEvent(env))
			}
		case ctx.Err() == nil:
			c.setOffline(true)
			c.logger.Debug("poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func decodeEvent(raw []byte) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Type != model.EventStateUpdate && ev.Type != model.EventLockStatus {
		return ev, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}
