// Package broadcast fans serialised events out to connected subscribers.
package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"parking-sync-backend/internal/model"
)

// DefaultBufferSize is the per-subscriber frame buffer.
const DefaultBufferSize = 16

// Subscription is a single connected listener. Frames is closed when the
// subscription is removed, either by Unsubscribe or by eviction.
type Subscription struct {
	ID     string
	Frames <-chan []byte

	frames chan []byte
}

// Broadcaster is an in-process pub-sub registry. Publish never blocks: a
// subscriber that cannot keep up is dropped and has to reconnect.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger *slog.Logger
}

// New creates a Broadcaster. A non-positive buffer uses DefaultBufferSize.
func New(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "broadcast"),
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan []byte, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), Frames: ch, frames: ch}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "id", sub.ID, "subscribers", n)
	return sub
}

// Unsubscribe removes a listener. Removing an unknown id is a no-op.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(sub.frames)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("subscriber removed", "id", id, "subscribers", n)
	}
}

// Publish serialises ev once and offers it to every subscriber.
func (b *Broadcaster) Publish(ev model.Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	b.PublishFrame(frame)
	return nil
}

// PublishFrame delivers an already encoded frame.
func (b *Broadcaster) PublishFrame(frame []byte) {
	var slow []string

	b.mu.RLock()
	for id, sub := range b.subs {
		select {
		case sub.frames <- frame:
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range slow {
		b.logger.Warn("evicting slow subscriber", "id", id)
		b.Unsubscribe(id)
	}
}

// Count returns the number of connected subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.frames)
		delete(b.subs, id)
	}
}
