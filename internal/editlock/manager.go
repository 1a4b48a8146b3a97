// Package editlock provides the advisory single-editor lock.
package editlock

import (
	"log/slog"
	"sync"
	"time"

	"parking-sync-backend/internal/clock"
	"parking-sync-backend/internal/model"
)

// DefaultTimeout is how long a lock lives without being re-acquired.
const DefaultTimeout = 30 * time.Second

// Manager tracks at most one editor. A held lock is released by its holder,
// or unconditionally when its timer fires. Re-acquiring by the holder
// restarts the timer.
type Manager struct {
	mu sync.Mutex
	// notifyMu is taken before mu is released so observers see transitions
	// in the order they happened.
	notifyMu sync.Mutex

	holder     string
	acquiredAt time.Time
	expiresAt  time.Time
	timer      clock.Timer
	generation uint64

	timeout  time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	onChange func(model.LockStatus)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the lock lifetime.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock replaces the time source, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger used for lock transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithOnChange registers an observer called after every transition, in
// transition order. It must not call back into the Manager.
func WithOnChange(fn func(model.LockStatus)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManager creates an unlocked Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		timeout: DefaultTimeout,
		clock:   clock.NewStandardClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "editlock")
	return m
}

// Acquire grants the lock to id if it is free or already held by id.
func (m *Manager) Acquire(id string) (bool, model.LockStatus) {
	m.mu.Lock()
	switch {
	case m.holder == "":
		m.holder = id
		m.acquiredAt = m.clock.Now().UTC()
		m.schedule()
		st := m.statusLocked()
		m.logger.Info("lock acquired", "editor", id, "expires_at", st.ExpiresAt)
		m.unlockAndNotify(st)
		return true, st
	case m.holder == id:
		m.schedule()
		st := m.statusLocked()
		m.logger.Debug("lock extended", "editor", id, "expires_at", st.ExpiresAt)
		m.unlockAndNotify(st)
		return true, st
	default:
		st := m.statusLocked()
		m.mu.Unlock()
		return false, st
	}
}

// Release unlocks if id is the holder. Any other id is ignored.
func (m *Manager) Release(id string) model.LockStatus {
	m.mu.Lock()
	if m.holder == "" || m.holder != id {
		st := m.statusLocked()
		m.mu.Unlock()
		return st
	}
	m.clearLocked()
	st := m.statusLocked()
	m.logger.Info("lock released", "editor", id)
	m.unlockAndNotify(st)
	return st
}

// Status returns the current lock state.
func (m *Manager) Status() model.LockStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Holder returns the current editor id, or "" when unlocked.
func (m *Manager) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// Holds reports whether id currently owns the lock.
func (m *Manager) Holds(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return id != "" && m.holder == id
}

// Close cancels any pending expiry without notifying observers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// schedule (re)starts the single expiry timer. Must hold m.mu.
func (m *Manager) schedule() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation
	m.expiresAt = m.clock.Now().UTC().Add(m.timeout)
	m.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(gen) })
}

// expire force-releases the lock if the timer that fired is still current.
func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.holder == "" {
		m.mu.Unlock()
		return
	}
	holder := m.holder
	m.timer = nil
	m.clearLocked()
	st := m.statusLocked()
	m.logger.Info("lock expired", "editor", holder)
	m.unlockAndNotify(st)
}

// clearLocked resets to UNLOCKED and cancels the timer. Must hold m.mu.
func (m *Manager) clearLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.holder = ""
	m.acquiredAt = time.Time{}
	m.expiresAt = time.Time{}
}

func (m *Manager) statusLocked() model.LockStatus {
	if m.holder == "" {
		return model.LockStatus{Locked: false}
	}
	acquired, expires := m.acquiredAt, m.expiresAt
	return model.LockStatus{
		Locked:     true,
		EditorID:   m.holder,
		AcquiredAt: &acquired,
		ExpiresAt:  &expires,
	}
}

// unlockAndNotify hands mu over to notifyMu and delivers st. Must hold m.mu.
func (m *Manager) unlockAndNotify(st model.LockStatus) {
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()
	if m.onChange != nil {
		m.onChange(st)
	}
}
