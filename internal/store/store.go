package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"parking-sync-backend/internal/model"
)

var (
	// ErrUnavailable wraps transport and I/O failures of the backing store.
	ErrUnavailable = errors.New("store: backing store unavailable")

	// ErrNotConfigured indicates the selected backend is missing settings.
	ErrNotConfigured = errors.New("store: backing store not configured")
)

// Store reads and writes the single shared document. Implementations make
// each call atomic from the caller's point of view.
type Store interface {
	// Get returns the persisted envelope, or the default envelope when none
	// has been written yet.
	Get(ctx context.Context) (*model.StateEnvelope, error)

	// Set replaces the persisted envelope.
	Set(ctx context.Context, env *model.StateEnvelope) error
}

// decodeEnvelope parses a persisted document. Undecodable content is logged
// and treated as no prior state.
func decodeEnvelope(raw []byte, source string) *model.StateEnvelope {
	if len(raw) == 0 {
		return model.DefaultEnvelope()
	}
	var env model.StateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("stored state is not valid JSON; starting from default", "source", source, "err", err)
		return model.DefaultEnvelope()
	}
	env.Data.Normalize()
	return &env
}

func clone(env *model.StateEnvelope) *model.StateEnvelope {
	raw, err := json.Marshal(env)
	if err != nil {
		return env
	}
	var out model.StateEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return env
	}
	return &out
}
