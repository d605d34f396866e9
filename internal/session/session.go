// Package session defines the session record, its lifecycle states, and
// the Store interface backing them.
//
// A Session is the unit of sandbox ownership: one user, one lab, one
// namespace on the cluster. Active is the only non-terminal state; a
// session that leaves Active never comes back - a new request always
// creates a new session.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrDuplicateSession  = errors.New("user already has an active session")
	ErrCapacityExceeded  = errors.New("maximum concurrent sessions reached")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
	StateError      State = "error"
)

// Terminal reports whether the state is terminal (not re-enterable).
func (s State) Terminal() bool {
	return s == StateExpired || s == StateTerminated || s == StateError
}

// ParseState validates a state string from an external caller.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateActive, StateExpired, StateTerminated, StateError:
		return State(s), true
	}
	return "", false
}

// Session is a durable record of one provisioned sandbox.
type Session struct {
	ID        string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	LabID     string `json:"lab_id"`
	Namespace string `json:"namespace"`
	State     State  `json:"state"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	// UsageSnapshot is the last resource-usage observation for the
	// namespace, refreshed by the reaper. Advisory only; never consulted
	// for admission decisions.
	UsageSnapshot map[string]string `json:"usage_snapshot,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
