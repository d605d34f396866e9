package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

type fakeLabs map[string]bool

func (f fakeLabs) Exists(id string) bool { return f[id] }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	orc      *Orchestrator
	store    *session.MemoryStore
	provider *sandbox.Mock
}

func setup(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	store := session.NewMemoryStore()
	provider := sandbox.NewMock()
	labs := fakeLabs{"intro-networking": true, "storage-basics": true}

	return &fixture{
		orc:      New(cfg, store, provider, labs, nil, testLogger()),
		store:    store,
		provider: provider,
	}
}

func TestCreateProvisionsSandbox(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	assert.Len(t, s.ID, 8)
	assert.Equal(t, session.StateActive, s.State)
	assert.Equal(t, "playground-alice-"+s.ID, s.Namespace)
	assert.Equal(t, s.CreatedAt.Add(8*time.Hour), s.ExpiresAt)

	ns := f.provider.Namespace(s.Namespace)
	require.NotNil(t, ns)
	assert.Equal(t, "alice", ns.OwnerID)
	assert.Equal(t, sandbox.DefaultQuota(), ns.Quota)
	assert.True(t, ns.Bound)
	assert.True(t, ns.Launched)

	got, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Namespace, got.Namespace)
}

func TestCreateSeedsCredential(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.orc.creds = func(ownerID string) ([]byte, error) {
		return []byte("token-for-" + ownerID), nil
	}

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	ns := f.provider.Namespace(s.Namespace)
	require.NotNil(t, ns)
	assert.Equal(t, []byte("token-for-alice"), ns.Credential)
}

func TestCreateCredentialLookupFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.orc.creds = func(string) ([]byte, error) {
		return nil, errors.New("vault unreachable")
	}

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	ns := f.provider.Namespace(s.Namespace)
	require.NotNil(t, ns)
	assert.True(t, ns.Launched)
	assert.Nil(t, ns.Credential)
}

func TestCreateCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	f := setup(t, func(c *Config) { c.MaxConcurrentSessions = 2 })

	_, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)
	_, err = f.orc.Create(ctx, "bob", "intro-networking")
	require.NoError(t, err)

	_, err = f.orc.Create(ctx, "carol", "intro-networking")
	assert.ErrorIs(t, err, session.ErrCapacityExceeded)

	// Terminating one frees a slot.
	sessions, _ := f.store.ListByOwner(ctx, "alice")
	require.NoError(t, f.orc.Terminate(ctx, sessions[0].ID, "alice"))

	_, err = f.orc.Create(ctx, "carol", "intro-networking")
	assert.NoError(t, err)
}

func TestCreateDuplicateOwner(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	_, err = f.orc.Create(ctx, "alice", "storage-basics")
	assert.ErrorIs(t, err, session.ErrDuplicateSession)

	// The duplicate check happens after capacity, before lab existence:
	// a duplicate owner with an unknown lab still reports the duplicate.
	_, err = f.orc.Create(ctx, "alice", "no-such-lab")
	assert.ErrorIs(t, err, session.ErrDuplicateSession)

	require.NoError(t, f.orc.Terminate(ctx, first.ID, "alice"))
	_, err = f.orc.Create(ctx, "alice", "storage-basics")
	assert.NoError(t, err)
}

func TestCreateUnknownLab(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.orc.Create(ctx, "alice", "no-such-lab")
	assert.ErrorIs(t, err, ErrLabNotFound)

	// Admission failure leaves no trace: nothing provisioned, nothing
	// stored.
	assert.Empty(t, f.provider.Deleted())
	total, _ := f.store.Count(ctx)
	assert.Zero(t, total)
}

func TestCreateProvisioningFailureRollsBack(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		failStep func(*sandbox.Mock)
	}{
		{"quota", func(m *sandbox.Mock) { m.FailApplyQuota = true }},
		{"policy", func(m *sandbox.Mock) { m.FailBindPolicy = true }},
		{"toolbox", func(m *sandbox.Mock) { m.FailLaunchToolbox = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			tc.failStep(f.provider)

			_, err := f.orc.Create(ctx, "alice", "intro-networking")
			assert.ErrorIs(t, err, ErrProvisioningFailed)

			// The half-built namespace was torn down and no record exists,
			// so the owner can immediately retry.
			assert.Len(t, f.provider.Deleted(), 1)
			total, _ := f.store.Count(ctx)
			assert.Zero(t, total)
		})
	}
}

func TestCreateNamespaceFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.provider.FailCreateNamespace = true

	_, err := f.orc.Create(ctx, "alice", "intro-networking")
	assert.ErrorIs(t, err, ErrProvisioningFailed)

	total, _ := f.store.Count(ctx)
	assert.Zero(t, total)
}

func TestTerminate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))

	assert.False(t, f.provider.Exists(s.Namespace))
	got, err := f.store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateTerminated, got.State)
}

func TestTerminateWrongOwner(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	err = f.orc.Terminate(ctx, s.ID, "bob")
	assert.ErrorIs(t, err, session.ErrNotFound)

	// Untouched.
	got, _ := f.store.Get(ctx, s.ID)
	assert.Equal(t, session.StateActive, got.State)
	assert.True(t, f.provider.Exists(s.Namespace))
}

func TestTerminateSwallowsDeletionFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)
	f.provider.DeleteFailures[s.Namespace] = true

	// The cluster refusing to delete does not surface to the owner; the
	// record still moves to terminated.
	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))

	got, _ := f.store.Get(ctx, s.ID)
	assert.Equal(t, session.StateTerminated, got.State)
}

func TestTerminateAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))
	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))

	got, _ := f.store.Get(ctx, s.ID)
	assert.Equal(t, session.StateTerminated, got.State)
}

func TestTerminateAdmin(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	require.NoError(t, f.orc.TerminateAdmin(ctx, s.ID))

	got, _ := f.store.Get(ctx, s.ID)
	assert.Equal(t, session.StateTerminated, got.State)

	assert.ErrorIs(t, f.orc.TerminateAdmin(ctx, "missing"), session.ErrNotFound)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	next, err := f.orc.Extend(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.ExpiresAt.Add(time.Hour), next)

	_, err = f.orc.Extend(ctx, s.ID, "bob")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestAdminStats(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)
	_, err = f.orc.Create(ctx, "bob", "storage-basics")
	require.NoError(t, err)
	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))

	stats, err := f.orc.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 2, stats.TotalSessions)
	assert.Equal(t, 5, stats.MaxConcurrent)
	assert.InDelta(t, 20.0, stats.UtilizationPct, 0.01)
}

func TestAdminStatsZeroCapacity(t *testing.T) {
	ctx := context.Background()
	f := setup(t, func(c *Config) { c.MaxConcurrentSessions = 0 })

	stats, err := f.orc.AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.UtilizationPct)

	// The struct has to stay encodable; a non-finite ratio would not be.
	_, err = json.Marshal(stats)
	require.NoError(t, err)
}

func TestAdminList(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)
	_, err = f.orc.Create(ctx, "bob", "storage-basics")
	require.NoError(t, err)
	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))

	all, err := f.orc.AdminList(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := f.orc.AdminList(ctx, session.StateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bob", active[0].OwnerID)
}

func TestAdminDeleteResource(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	s, err := f.orc.Create(ctx, "alice", "intro-networking")
	require.NoError(t, err)

	assert.NoError(t, f.orc.AdminDeleteResource(ctx, s.ID, sandbox.KindPod, "toolbox"))

	// Only active sessions have live resources to delete.
	require.NoError(t, f.orc.Terminate(ctx, s.ID, "alice"))
	err = f.orc.AdminDeleteResource(ctx, s.ID, sandbox.KindPod, "toolbox")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
