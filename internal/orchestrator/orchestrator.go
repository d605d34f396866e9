// Package orchestrator owns session admission and lifecycle: who may get
// a sandbox, how one is provisioned, and how it is torn down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

var (
	ErrLabNotFound        = errors.New("lab not found")
	ErrProvisioningFailed = errors.New("failed to provision sandbox")
)

// LabResolver answers whether a lab id exists in the catalog. Admission
// needs nothing else from the catalog.
type LabResolver interface {
	Exists(labID string) bool
}

// CredentialLookup resolves an optional per-user credential artifact to
// seed into the toolbox. Returning nil bytes means no credential.
type CredentialLookup func(ownerID string) ([]byte, error)

// Config carries the admission and lifetime policy.
type Config struct {
	// MaxConcurrentSessions bounds active sessions cluster-wide.
	MaxConcurrentSessions int

	// DefaultLifetime is the initial session lifetime.
	DefaultLifetime time.Duration

	// ExtendIncrement is added to the expiry per extension request.
	ExtendIncrement time.Duration

	// MaxLifetime caps the total lifetime extensions can reach, measured
	// from creation.
	MaxLifetime time.Duration

	// Quota bounds each sandbox's resources.
	Quota sandbox.Quota
}

// DefaultConfig returns the stock policy: 5 concurrent sessions, 8 hour
// lifetime, 1 hour extensions capped at 24 hours total.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 5,
		DefaultLifetime:       8 * time.Hour,
		ExtendIncrement:       time.Hour,
		MaxLifetime:           24 * time.Hour,
		Quota:                 sandbox.DefaultQuota(),
	}
}

// Orchestrator drives the sandbox provider through the provisioning
// protocol and keeps the session store consistent with it.
type Orchestrator struct {
	cfg      Config
	store    session.Store
	provider sandbox.Provider
	labs     LabResolver
	creds    CredentialLookup
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates an orchestrator. creds may be nil when no credential
// seeding is configured.
func New(cfg Config, store session.Store, provider sandbox.Provider, labs LabResolver, creds CredentialLookup, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		provider: provider,
		labs:     labs,
		creds:    creds,
		log:      log.WithField("component", "orchestrator"),
		now:      time.Now,
	}
}

// Create admits and provisions a new session for ownerID on labID.
//
// Admission checks run in order, first failure wins: cluster capacity,
// one-active-per-owner, lab existence. The count checks are fast-path
// rejections only; the store's unique constraint is the real guard
// against concurrent creations racing past them.
//
// Provisioning is ordered: namespace, then quota, then access policy,
// then toolbox. The toolbox must start after quota and policy exist
// because it runs under both. Any failure aborts, tears the namespace
// back down best-effort, and surfaces ErrProvisioningFailed; the caller
// re-requests, nothing retries internally.
func (o *Orchestrator) Create(ctx context.Context, ownerID, labID string) (*session.Session, error) {
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	if active >= o.cfg.MaxConcurrentSessions {
		return nil, session.ErrCapacityExceeded
	}

	owned, err := o.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing owner sessions: %w", err)
	}
	for _, s := range owned {
		if s.State == session.StateActive {
			return nil, session.ErrDuplicateSession
		}
	}

	if !o.labs.Exists(labID) {
		return nil, ErrLabNotFound
	}

	sessionID := uuid.NewString()[:8]
	namespace := composeNamespace(ownerID, sessionID)

	log := o.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"owner_id":   ownerID,
		"namespace":  namespace,
	})

	if err := o.provision(ctx, namespace, ownerID); err != nil {
		log.WithError(err).Error("Provisioning failed")
		o.rollback(ctx, namespace, log)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	now := o.now()
	s := &session.Session{
		ID:             sessionID,
		OwnerID:        ownerID,
		LabID:          labID,
		Namespace:      namespace,
		State:          session.StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(o.cfg.DefaultLifetime),
	}

	if err := o.store.Create(ctx, s); err != nil {
		o.rollback(ctx, namespace, log)
		if errors.Is(err, session.ErrDuplicateSession) {
			// Lost the count-then-insert race to another creation for the
			// same owner; the store's constraint caught it.
			return nil, session.ErrDuplicateSession
		}
		return nil, fmt.Errorf("%w: persisting session: %v", ErrProvisioningFailed, err)
	}

	log.Info("Session created")
	return s, nil
}

func (o *Orchestrator) provision(ctx context.Context, namespace, ownerID string) error {
	if err := o.provider.CreateNamespace(ctx, namespace, ownerID); err != nil {
		return fmt.Errorf("creating namespace: %w", err)
	}
	if err := o.provider.ApplyQuota(ctx, namespace, o.cfg.Quota); err != nil {
		return fmt.Errorf("applying quota: %w", err)
	}
	if err := o.provider.BindAccessPolicy(ctx, namespace, ownerID); err != nil {
		return fmt.Errorf("binding access policy: %w", err)
	}

	credential := o.lookupCredential(ownerID)
	if err := o.provider.LaunchToolbox(ctx, namespace, ownerID, credential); err != nil {
		return fmt.Errorf("launching toolbox: %w", err)
	}
	return nil
}

// lookupCredential is best-effort: a missing or failing lookup launches
// the toolbox without a credential rather than failing the session.
func (o *Orchestrator) lookupCredential(ownerID string) []byte {
	if o.creds == nil {
		return nil
	}
	credential, err := o.creds(ownerID)
	if err != nil {
		o.log.WithError(err).WithField("owner_id", ownerID).Warn("Credential lookup failed, launching without")
		return nil
	}
	return credential
}

func (o *Orchestrator) rollback(ctx context.Context, namespace string, log logrus.FieldLogger) {
	if err := o.provider.DeleteNamespace(ctx, namespace); err != nil {
		log.WithError(err).Warn("Cleanup of partially provisioned namespace failed")
	}
}

// Terminate ends a session on its owner's request. Sandbox deletion is
// best-effort: once the record is found, termination succeeds from the
// caller's perspective no matter what the cluster does.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID, ownerID string) error {
	s, err := o.store.GetOwned(ctx, sessionID, ownerID)
	if err != nil {
		return err
	}
	return o.terminate(ctx, s)
}

// TerminateAdmin ends any session regardless of owner.
func (o *Orchestrator) TerminateAdmin(ctx context.Context, sessionID string) error {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.terminate(ctx, s)
}

func (o *Orchestrator) terminate(ctx context.Context, s *session.Session) error {
	log := o.log.WithFields(logrus.Fields{
		"session_id": s.ID,
		"namespace":  s.Namespace,
	})

	if err := o.provider.DeleteNamespace(ctx, s.Namespace); err != nil {
		log.WithError(err).Warn("Sandbox deletion failed during termination")
	}

	err := o.store.Transition(ctx, s.ID, session.StateActive, session.StateTerminated)
	if errors.Is(err, session.ErrInvalidTransition) {
		// Already in a terminal state; termination is satisfied.
		return nil
	}
	if err != nil {
		return err
	}

	log.Info("Session terminated")
	return nil
}

// Extend pushes the session's expiry out by the configured increment,
// clamped to the maximum total lifetime.
func (o *Orchestrator) Extend(ctx context.Context, sessionID, ownerID string) (time.Time, error) {
	return o.store.Extend(ctx, sessionID, ownerID, o.cfg.ExtendIncrement, o.cfg.MaxLifetime)
}

// ListOwn returns all of the owner's sessions, any state.
func (o *Orchestrator) ListOwn(ctx context.Context, ownerID string) ([]*session.Session, error) {
	return o.store.ListByOwner(ctx, ownerID)
}

// AdminList returns sessions, optionally filtered by state.
func (o *Orchestrator) AdminList(ctx context.Context, state session.State) ([]*session.Session, error) {
	if state == "" {
		all := make([]*session.Session, 0)
		for _, st := range []session.State{session.StateActive, session.StateExpired, session.StateTerminated, session.StateError} {
			batch, err := o.store.ListByState(ctx, st)
			if err != nil {
				return nil, err
			}
			all = append(all, batch...)
		}
		return all, nil
	}
	return o.store.ListByState(ctx, state)
}

// Stats summarizes cluster utilization for admin inspection.
type Stats struct {
	ActiveSessions int     `json:"active_sessions"`
	TotalSessions  int     `json:"total_sessions_all_time"`
	UtilizationPct float64 `json:"cluster_utilization_pct"`
	MaxConcurrent  int     `json:"max_concurrent_sessions"`
}

func (o *Orchestrator) AdminStats(ctx context.Context) (Stats, error) {
	active, err := o.store.CountActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, err := o.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	// A zero capacity would make the ratio non-finite and unencodable.
	utilization := 0.0
	if o.cfg.MaxConcurrentSessions > 0 {
		utilization = float64(active) / float64(o.cfg.MaxConcurrentSessions) * 100
	}
	return Stats{
		ActiveSessions: active,
		TotalSessions:  total,
		UtilizationPct: utilization,
		MaxConcurrent:  o.cfg.MaxConcurrentSessions,
	}, nil
}

// AdminDeleteResource removes one resource of a known kind from a
// session's sandbox. The kind is already a closed variant here; string
// parsing happened at the API boundary.
func (o *Orchestrator) AdminDeleteResource(ctx context.Context, sessionID string, kind sandbox.Kind, resourceName string) error {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != session.StateActive {
		return session.ErrNotFound
	}
	return o.provider.DeleteResource(ctx, s.Namespace, kind, resourceName)
}
