package model

import "time"

// Event types pushed to subscribers.
const (
	EventStateUpdate = "state_update"
	EventLockStatus  = "lock_status"
)

// LockStatus is the wire form of the edit lock.
type LockStatus struct {
	Locked     bool       `json:"locked"`
	EditorID   string     `json:"editorId,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Event is a single push message. Exactly one of the embedded payloads is set
// and its fields are flattened next to the type discriminator.
type Event struct {
	Type string `json:"type"`
	*StateEnvelope
	*LockStatus
}

// NewStateEvent wraps an envelope as a state_update event.
func NewStateEvent(env *StateEnvelope) Event {
	return Event{Type: EventStateUpdate, StateEnvelope: env}
}

// NewLockEvent wraps a lock status as a lock_status event.
func NewLockEvent(st LockStatus) Event {
	return Event{Type: EventLockStatus, LockStatus: &st}
}
