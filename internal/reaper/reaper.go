// Package reaper runs the two periodic duties that keep the cluster
// honest: reclaiming expired sandboxes and refreshing usage snapshots.
// Session expiry is the only timeout authority in the system - an open
// shell does not keep a session alive.
package reaper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

const (
	DefaultExpiryInterval = 5 * time.Minute
	DefaultUsageInterval  = 2 * time.Minute
)

// Reaper owns the recurring sweeps. Start/Stop tie its lifecycle to
// service startup and shutdown; both sweeps are also invocable once,
// synchronously, for tests and the CLI.
type Reaper struct {
	store    session.Store
	provider sandbox.Provider
	log      logrus.FieldLogger

	expiryInterval time.Duration
	usageInterval  time.Duration

	now func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a reaper with the given sweep intervals; zero values fall
// back to the defaults.
func New(store session.Store, provider sandbox.Provider, expiryInterval, usageInterval time.Duration, log logrus.FieldLogger) *Reaper {
	if expiryInterval <= 0 {
		expiryInterval = DefaultExpiryInterval
	}
	if usageInterval <= 0 {
		usageInterval = DefaultUsageInterval
	}
	return &Reaper{
		store:          store,
		provider:       provider,
		log:            log.WithField("component", "reaper"),
		expiryInterval: expiryInterval,
		usageInterval:  usageInterval,
		now:            time.Now,
		stop:           make(chan struct{}),
	}
}

// Start launches the two sweep loops. They run until Stop.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(2)
		go r.loop(r.expiryInterval, r.SweepExpired)
		go r.loop(r.usageInterval, r.RefreshUsage)
		r.log.Info("Reaper started")
	})
}

// Stop halts both loops and waits for in-flight sweeps to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.wg.Wait()
		r.log.Info("Reaper stopped")
	})
}

func (r *Reaper) loop(interval time.Duration, sweep func(context.Context) int) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep(context.Background())
		case <-r.stop:
			return
		}
	}
}

// SweepExpired reclaims every active session past its expiry. Sessions
// are handled independently: a failed sandbox deletion leaves that
// session active so the next sweep retries it, and never blocks the
// rest of the batch. Deletion is idempotent at the provider, so
// retrying a half-deleted namespace is safe. Returns the number of
// sessions moved to Expired.
func (r *Reaper) SweepExpired(ctx context.Context) int {
	now := r.now()
	expired, err := r.store.ListExpired(ctx, now)
	if err != nil {
		r.log.WithError(err).Error("Listing expired sessions failed")
		return 0
	}

	reaped := 0
	for _, s := range expired {
		log := r.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"owner_id":   s.OwnerID,
			"namespace":  s.Namespace,
		})

		if err := r.provider.DeleteNamespace(ctx, s.Namespace); err != nil {
			log.WithError(err).Warn("Sandbox deletion failed, will retry next sweep")
			continue
		}

		err := r.store.Transition(ctx, s.ID, session.StateActive, session.StateExpired)
		if errors.Is(err, session.ErrInvalidTransition) {
			// Raced with a termination; the session already reached a
			// terminal state and needs nothing from us.
			continue
		}
		if err != nil {
			log.WithError(err).Warn("Marking session expired failed")
			continue
		}

		log.Info("Session expired and reclaimed")
		reaped++
	}
	return reaped
}

// RefreshUsage snapshots resource usage for every active session.
// Failures are logged and change nothing; the snapshot is advisory.
// Returns the number of sessions refreshed.
func (r *Reaper) RefreshUsage(ctx context.Context) int {
	active, err := r.store.ListByState(ctx, session.StateActive)
	if err != nil {
		r.log.WithError(err).Error("Listing active sessions failed")
		return 0
	}

	refreshed := 0
	for _, s := range active {
		usage, err := r.provider.GetUsage(ctx, s.Namespace)
		if err != nil {
			r.log.WithError(err).WithField("session_id", s.ID).Debug("Usage query failed")
			continue
		}
		if err := r.store.UpdateUsage(ctx, s.ID, usage, r.now()); err != nil {
			r.log.WithError(err).WithField("session_id", s.ID).Debug("Usage snapshot write failed")
			continue
		}
		refreshed++
	}
	return refreshed
}
