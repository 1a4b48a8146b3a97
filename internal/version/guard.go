// Package version implements optimistic concurrency for the shared document.
package version

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"parking-sync-backend/internal/clock"
	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/store"
)

// AnyVersion skips the version comparison. It is only used for writes that
// are authorised by holding the edit lock.
const AnyVersion int64 = -1

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("version: stale write")

// ConflictError reports the authoritative version a stale write lost to.
type ConflictError struct {
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Guard serialises read-compare-write cycles against a Store.
type Guard struct {
	mu    sync.Mutex
	store store.Store
	clock clock.Clock
}

// NewGuard creates a Guard over s.
func NewGuard(s store.Store, c clock.Clock) *Guard {
	if c == nil {
		c = clock.NewStandardClock()
	}
	return &Guard{store: s, clock: c}
}

// Current returns the authoritative envelope.
func (g *Guard) Current(ctx context.Context) (*model.StateEnvelope, error) {
	return g.store.Get(ctx)
}

// Propose persists data as the next version if expected matches the current
// version. It returns the envelope that was replaced and the new one.
func (g *Guard) Propose(ctx context.Context, expected int64, data model.StateData) (prev, next *model.StateEnvelope, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, err = g.store.Get(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read current state: %w", err)
	}
	if expected != AnyVersion && expected != prev.Version {
		return prev, nil, &ConflictError{Expected: expected, Current: prev.Version}
	}

	data.Normalize()
	now := g.clock.Now().UTC()
	next = &model.StateEnvelope{
		Version:   prev.Version + 1,
		UpdatedAt: &now,
		Data:      data,
	}
	if err := g.store.Set(ctx, next); err != nil {
		return prev, nil, fmt.Errorf("failed to persist state: %w", err)
	}
	return prev, next, nil
}
