// Package sandbox abstracts the cluster that hosts per-session sandboxes.
//
// A sandbox is an isolated, quota-bounded namespace holding one long-lived
// toolbox process. The Provider interface covers everything the
// orchestrator, reaper, and shell bridge need: namespace lifecycle, quota
// and access-policy setup, toolbox launch, interactive exec channels, and
// usage reads. Two implementations exist: Kubernetes for real clusters and
// Local for development without one.
package sandbox

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrChannelUnavailable means an exec channel could not be opened:
	// provider unreachable, toolbox not found, or stream setup failed.
	// The bridge closes the connection on it; there is no retry.
	ErrChannelUnavailable = errors.New("exec channel unavailable")
)

// Quota bounds the resources a single sandbox may consume.
type Quota struct {
	CPU      string
	Memory   string
	Pods     int
	Services int
	PVCs     int
}

// DefaultQuota returns the per-sandbox resource bounds used when the
// configuration does not override them.
func DefaultQuota() Quota {
	return Quota{
		CPU:      "20",
		Memory:   "64Gi",
		Pods:     20,
		Services: 10,
		PVCs:     5,
	}
}

// ExecChannel is a live interactive stream into a sandbox's toolbox
// process: a stdin sink, a stdout source, and process control.
type ExecChannel interface {
	// Stdin accepts terminal input for the remote process.
	Stdin() io.Writer

	// Stdout streams terminal output from the remote process. A read
	// returning io.EOF (or any error) means the remote side has ended.
	Stdout() io.Reader

	// Resize updates the remote pseudo-terminal dimensions.
	Resize(cols, rows uint16) error

	// Done is closed once the remote process has exited or the stream
	// has torn down.
	Done() <-chan struct{}

	// Close asks the remote process to terminate, waits a bounded grace
	// period, then forces it. Idempotent and never blocks indefinitely.
	Close() error
}

// Provider is the capability surface of the sandbox cluster.
type Provider interface {
	// CreateNamespace provisions an isolated namespace labeled with the
	// owning user.
	CreateNamespace(ctx context.Context, name, ownerID string) error

	// DeleteNamespace removes a namespace and everything in it. Deleting
	// an absent namespace is success; the reaper relies on that to retry
	// partially failed cleanups.
	DeleteNamespace(ctx context.Context, name string) error

	// ApplyQuota attaches resource bounds to the namespace.
	ApplyQuota(ctx context.Context, name string, q Quota) error

	// BindAccessPolicy grants the owner identity access to the namespace.
	BindAccessPolicy(ctx context.Context, name, ownerID string) error

	// LaunchToolbox starts the long-lived interactive process in the
	// namespace. credential is an optional per-user artifact made
	// available to the toolbox; nil means none.
	LaunchToolbox(ctx context.Context, name, ownerID string, credential []byte) error

	// OpenExecChannel attaches an interactive shell to the namespace's
	// toolbox process. Fails with ErrChannelUnavailable when it cannot.
	OpenExecChannel(ctx context.Context, name string) (ExecChannel, error)

	// GetUsage returns the namespace's current resource consumption.
	// Best-effort: an empty map when usage is unavailable.
	GetUsage(ctx context.Context, name string) (map[string]string, error)

	// DeleteResource removes one named resource of a known kind from the
	// namespace.
	DeleteResource(ctx context.Context, name string, kind Kind, resourceName string) error
}
