// Package service implements the shared-state write policy on top of the
// version guard, the edit lock and the broadcaster.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"parking-sync-backend/internal/broadcast"
	"parking-sync-backend/internal/editlock"
	"parking-sync-backend/internal/model"
	"parking-sync-backend/internal/validate"
	"parking-sync-backend/internal/version"
)

// ErrForbidden is returned when the edit lock does not allow a write.
var ErrForbidden = errors.New("service: forbidden")

// ErrMissingEditor is returned when a lock call carries no editor id.
var ErrMissingEditor = errors.New("service: editor id is required")

// Notifier is told about spots that just became available.
type Notifier interface {
	SpotFreed(spotID string)
}

// Service is the single owner of shared-state mutation.
type Service struct {
	// writeMu keeps commit and publish of one write together, so subscribers
	// see state_update events in version order.
	writeMu sync.Mutex

	guard    *version.Guard
	lock     *editlock.Manager
	events   *broadcast.Broadcaster
	notifier Notifier
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier enables spot availability alerts.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New wires a Service.
func New(guard *version.Guard, lock *editlock.Manager, events *broadcast.Broadcaster, opts ...Option) *Service {
	s := &Service{
		guard:  guard,
		lock:   lock,
		events: events,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "service")
	return s
}

// LockObserver returns an editlock observer that pushes every lock
// transition to subscribers.
func LockObserver(events *broadcast.Broadcaster, logger *slog.Logger) func(model.LockStatus) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(st model.LockStatus) {
		if err := events.Publish(model.NewLockEvent(st)); err != nil {
			logger.Error("failed to publish lock status", "error", err)
		}
	}
}

// State returns the authoritative envelope.
func (s *Service) State(ctx context.Context) (*model.StateEnvelope, error) {
	env, err := s.guard.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return env, nil
}

// Write applies a validated write request. headerVersion is the
// If-Match-Version value, nil when absent; a version in the body wins.
func (s *Service) Write(ctx context.Context, req *validate.WriteRequest, editorID string, headerVersion *int64) (*model.StateEnvelope, error) {
	if req == nil || req.Data == nil {
		return nil, &validate.Error{Message: "data must be an object"}
	}

	holder := s.lock.Holder()
	if holder != "" && editorID != holder {
		return nil, ErrForbidden
	}

	expected := version.AnyVersion
	switch {
	case req.Version != nil:
		expected = *req.Version
	case headerVersion != nil:
		expected = *headerVersion
	case holder == "":
		// Unversioned writes are only trusted from the lock holder.
		return nil, ErrForbidden
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, next, err := s.guard.Propose(ctx, expected, *req.Data)
	if err != nil {
		return nil, err
	}
	s.logger.Info("state updated", "version", next.Version, "editor", editorID)

	if err := s.events.Publish(model.NewStateEvent(next)); err != nil {
		s.logger.Error("failed to publish state update", "error", err)
	}
	if s.notifier != nil {
		freed := model.FreedSpots(prev.Data, next.Data)
		sort.Strings(freed)
		for _, id := range freed {
			s.notifier.SpotFreed(id)
		}
	}
	return next, nil
}

// AcquireLock tries to take or extend the edit lock for editorID.
func (s *Service) AcquireLock(editorID string) (bool, model.LockStatus, error) {
	if editorID == "" {
		return false, model.LockStatus{}, ErrMissingEditor
	}
	ok, st := s.lock.Acquire(editorID)
	return ok, st, nil
}

// ReleaseLock releases the lock if editorID holds it.
func (s *Service) ReleaseLock(editorID string) model.LockStatus {
	return s.lock.Release(editorID)
}

// LockStatus reports the current lock state.
func (s *Service) LockStatus() model.LockStatus {
	return s.lock.Status()
}

// Subscribe registers a listener and returns the events it must see first:
// the current state and lock status. The subscription is registered before
// the snapshot is read so no accepted write falls in between.
func (s *Service) Subscribe(ctx context.Context) ([]model.Event, *broadcast.Subscription, error) {
	sub := s.events.Subscribe()
	env, err := s.State(ctx)
	if err != nil {
		s.events.Unsubscribe(sub.ID)
		return nil, nil, err
	}
	initial := []model.Event{
		model.NewStateEvent(env),
		model.NewLockEvent(s.lock.Status()),
	}
	return initial, sub, nil
}

// Unsubscribe drops a listener.
func (s *Service) Unsubscribe(id string) {
	s.events.Unsubscribe(id)
}

// Subscribers returns the number of connected listeners.
func (s *Service) Subscribers() int {
	return s.events.Count()
}
