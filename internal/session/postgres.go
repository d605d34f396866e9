package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const sessionsMigration = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id text PRIMARY KEY,
    owner_id text NOT NULL,
    lab_id text NOT NULL,
    namespace text NOT NULL UNIQUE,
    state text NOT NULL DEFAULT 'active',
    created_at timestamptz NOT NULL DEFAULT NOW(),
    last_activity_at timestamptz NOT NULL DEFAULT NOW(),
    expires_at timestamptz NOT NULL,
    usage_snapshot jsonb
);

CREATE INDEX IF NOT EXISTS sessions_owner_id_idx ON sessions (owner_id);
CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions (state);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_owner_active_unique
ON sessions (owner_id) WHERE state = 'active';
`

// sessions_owner_active_unique is the real guarantee behind the
// one-active-per-owner invariant; the orchestrator's count check is only
// a fast-path rejection. Other unique indexes on the table (the primary
// key, the namespace column) raise the same error code, so the mapping
// keys on the constraint name.
const (
	uniqueViolation       = "23505"
	ownerActiveConstraint = "sessions_owner_active_unique"
)

// PostgresStore implements Store on database/sql with the pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store and runs the keystone migration.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, sessionsMigration); err != nil {
		return nil, fmt.Errorf("running sessions migration: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

const sessionColumns = `session_id, owner_id, lab_id, namespace, state,
created_at, last_activity_at, expires_at, usage_snapshot`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	var usage []byte
	if s.UsageSnapshot != nil {
		var err error
		usage, err = json.Marshal(s.UsageSnapshot)
		if err != nil {
			return fmt.Errorf("encoding usage snapshot: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, owner_id, lab_id, namespace, state,
			created_at, last_activity_at, expires_at, usage_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.OwnerID, s.LabID, s.Namespace, string(s.State),
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt, usage,
	)
	return mapCreateError(err)
}

// mapCreateError translates the owner-active unique violation into
// ErrDuplicateSession. Collisions on any other unique index are not a
// duplicate-session condition and pass through unchanged.
func mapCreateError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok &&
		pqErr.Code == uniqueViolation && pqErr.Constraint == ownerActiveConstraint {
		return ErrDuplicateSession
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	return scanSession(row)
}

func (p *PostgresStore) GetOwned(ctx context.Context, id, ownerID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1 AND owner_id = $2`,
		id, ownerID)
	return scanSession(row)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	return p.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = $1 ORDER BY created_at`,
		ownerID)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State) ([]*Session, error) {
	return p.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state = $1 ORDER BY created_at`,
		string(state))
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	return p.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state = 'active' AND expires_at <= $1`,
		now)
}

func (p *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE state = 'active'`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Transition is a guarded compare-and-set: the row only changes when it
// is still in the expected state, so a racing orchestrator and reaper
// cannot both move the same session.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to State) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET state = $3 WHERE session_id = $1 AND state = $2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) Extend(ctx context.Context, id, ownerID string, increment, cap time.Duration) (time.Time, error) {
	var expiry time.Time
	err := p.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET expires_at = LEAST(expires_at + $3::interval, created_at + $4::interval)
		WHERE session_id = $1 AND owner_id = $2 AND state = 'active'
		RETURNING expires_at`,
		id, ownerID, pgInterval(increment), pgInterval(cap),
	).Scan(&expiry)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	return expiry, err
}

func (p *PostgresStore) UpdateUsage(ctx context.Context, id string, usage map[string]string, at time.Time) error {
	encoded, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encoding usage snapshot: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE sessions SET usage_snapshot = $2, last_activity_at = $3 WHERE session_id = $1`,
		id, encoded, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var state string
	var usage []byte

	err := row.Scan(&s.ID, &s.OwnerID, &s.LabID, &s.Namespace, &state,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &usage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.State = State(state)
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &s.UsageSnapshot); err != nil {
			return nil, fmt.Errorf("decoding usage snapshot: %w", err)
		}
	}
	return &s, nil
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

var _ Store = (*PostgresStore)(nil)
