package session

import (
	"context"
	"time"
)

// Store is the durable session table shared by the orchestrator, the
// reaper, and the shell bridge. The bridge only reads; the orchestrator
// and reaper race on the same rows, so every state change goes through
// Transition, a guarded compare-and-set. Implementations must also
// enforce at most one active session per owner as a hard constraint,
// independent of the orchestrator's fast-path count check.
type Store interface {
	// Create persists a new session. Returns ErrDuplicateSession if the
	// owner already holds an active session.
	Create(ctx context.Context, s *Session) error

	// Get returns the session with the given id.
	Get(ctx context.Context, id string) (*Session, error)

	// GetOwned returns the session only if it belongs to ownerID.
	GetOwned(ctx context.Context, id, ownerID string) (*Session, error)

	// ListByOwner returns all sessions (any state) for one owner.
	ListByOwner(ctx context.Context, ownerID string) ([]*Session, error)

	// ListByState returns all sessions in the given state.
	ListByState(ctx context.Context, state State) ([]*Session, error)

	// ListExpired returns active sessions with expires_at <= now.
	ListExpired(ctx context.Context, now time.Time) ([]*Session, error)

	// CountActive returns the number of active sessions cluster-wide.
	CountActive(ctx context.Context) (int, error)

	// Transition moves a session from one state to another. The write
	// only happens if the session is still in the from state; otherwise
	// ErrInvalidTransition is returned and nothing changes.
	Transition(ctx context.Context, id string, from, to State) error

	// Extend adds increment to the session's expiry, clamped so the total
	// lifetime never exceeds cap past creation. Only active sessions owned
	// by ownerID are extendable. Returns the new expiry.
	Extend(ctx context.Context, id, ownerID string, increment, cap time.Duration) (time.Time, error)

	// UpdateUsage writes a usage snapshot and bumps last_activity_at.
	UpdateUsage(ctx context.Context, id string, usage map[string]string, at time.Time) error

	// Count returns the total number of sessions ever recorded.
	Count(ctx context.Context) (int, error)
}
