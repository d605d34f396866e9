package sandbox

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrMockFailure = errors.New("mock provider failure")

// MockNamespace records what the orchestrator did to one namespace.
type MockNamespace struct {
	OwnerID    string
	Quota      Quota
	Bound      bool
	Launched   bool
	Credential []byte
}

// Mock implements Provider for tests without a cluster. Fail flags make
// individual steps fail; DeleteFailures makes deletion fail for specific
// namespaces so cleanup-isolation behavior can be exercised.
type Mock struct {
	mu          sync.RWMutex
	namespaces  map[string]*MockNamespace
	deleted     []string
	lastChannel *Loopback

	FailCreateNamespace bool
	FailApplyQuota      bool
	FailBindPolicy      bool
	FailLaunchToolbox   bool
	FailOpenExec        bool

	// DeleteFailures lists namespaces whose deletion fails.
	DeleteFailures map[string]bool

	// UsageByNamespace is returned from GetUsage when set.
	UsageByNamespace map[string]map[string]string
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{
		namespaces:     make(map[string]*MockNamespace),
		DeleteFailures: make(map[string]bool),
	}
}

func (m *Mock) CreateNamespace(_ context.Context, name, ownerID string) error {
	if m.FailCreateNamespace {
		return ErrMockFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[name] = &MockNamespace{OwnerID: ownerID}
	return nil
}

func (m *Mock) DeleteNamespace(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DeleteFailures[name] {
		return ErrMockFailure
	}
	delete(m.namespaces, name)
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *Mock) ApplyQuota(_ context.Context, name string, q Quota) error {
	if m.FailApplyQuota {
		return ErrMockFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[name]; ok {
		ns.Quota = q
	}
	return nil
}

func (m *Mock) BindAccessPolicy(_ context.Context, name, ownerID string) error {
	if m.FailBindPolicy {
		return ErrMockFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[name]; ok {
		ns.Bound = true
		ns.OwnerID = ownerID
	}
	return nil
}

func (m *Mock) LaunchToolbox(_ context.Context, name, _ string, credential []byte) error {
	if m.FailLaunchToolbox {
		return ErrMockFailure
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[name]; ok {
		ns.Launched = true
		ns.Credential = credential
	}
	return nil
}

func (m *Mock) OpenExecChannel(_ context.Context, name string) (ExecChannel, error) {
	if m.FailOpenExec {
		return nil, ErrChannelUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[name]; !ok {
		return nil, ErrChannelUnavailable
	}
	ch := NewLoopback()
	m.lastChannel = ch
	return ch, nil
}

// LastChannel returns the most recently opened loopback channel, or nil.
func (m *Mock) LastChannel() *Loopback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChannel
}

func (m *Mock) GetUsage(_ context.Context, name string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if usage, ok := m.UsageByNamespace[name]; ok {
		return usage, nil
	}
	return map[string]string{}, nil
}

func (m *Mock) DeleteResource(_ context.Context, _ string, kind Kind, _ string) error {
	if _, ok := kindNames[kind]; !ok {
		return ErrUnknownKind
	}
	return nil
}

// Namespace returns the recorded state of a namespace, or nil.
func (m *Mock) Namespace(name string) *MockNamespace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namespaces[name]
}

// Exists reports whether the namespace is currently provisioned.
func (m *Mock) Exists(name string) bool {
	return m.Namespace(name) != nil
}

// Deleted returns the namespaces deleted so far, in order.
func (m *Mock) Deleted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// Loopback is an in-memory ExecChannel that echoes stdin back on stdout.
// Tests drive both relay directions with it and can end the remote side
// explicitly with CloseRemote.
type Loopback struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	cols   uint16
	rows   uint16
	done   chan struct{}
	closed bool
}

// NewLoopback creates a connected loopback channel.
func NewLoopback() *Loopback {
	r, w := io.Pipe()
	return &Loopback{r: r, w: w, done: make(chan struct{})}
}

func (l *Loopback) Stdin() io.Writer      { return l.w }
func (l *Loopback) Stdout() io.Reader     { return l.r }
func (l *Loopback) Done() <-chan struct{} { return l.done }

func (l *Loopback) Resize(cols, rows uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cols, l.rows = cols, rows
	return nil
}

// Size returns the last requested terminal size.
func (l *Loopback) Size() (uint16, uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cols, l.rows
}

// CloseRemote simulates the remote process exiting.
func (l *Loopback) CloseRemote() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.w.Close()
		l.r.Close()
		close(l.done)
	}
}

// Closed reports whether the channel has been torn down.
func (l *Loopback) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loopback) Close() error {
	l.CloseRemote()
	return nil
}

var (
	_ Provider    = (*Mock)(nil)
	_ ExecChannel = (*Loopback)(nil)
)
