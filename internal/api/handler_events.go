package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/mw"
)

const (
	defaultHeartbeat = 15 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return mw.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func encodeEvents(events []model.Event) ([][]byte, error) {
	frames := make([][]byte, 0, len(events))
	for _, ev := range events {
		frame, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Events handles GET /events as a server-sent event stream. The current state
// and lock status are sent first, then every accepted change.
func (h *Handler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	initial, sub, err := h.svc.Subscribe(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.svc.Unsubscribe(sub.ID)

	frames, err := encodeEvents(initial)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, frame := range frames {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", frame); err != nil {
			h.logger.Debug("event stream closed before snapshot", "subscriber", sub.ID, "error", err)
			return
		}
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("event stream opened", "subscriber", sub.ID)
	c.Stream(func(w io.Writer) bool {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return false
			}
			_, err := fmt.Fprintf(w, "data: %s\n\n", frame)
			return err == nil
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
	h.logger.Debug("event stream closed", "subscriber", sub.ID)
}

// WebSocket handles GET /ws. Each event is one text message; anything the
// peer sends is discarded.
func (h *Handler) WebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	initial, sub, err := h.svc.Subscribe(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer h.svc.Unsubscribe(sub.ID)

	frames, err := encodeEvents(initial)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
	for _, frame := range frames {
		if err := write(frame); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := write(frame); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
