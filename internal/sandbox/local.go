package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
)

// LocalProvider backs sandboxes with directories and local shell
// processes on a PTY. It exists so the whole service can run on a
// developer machine without a cluster; tests lean on it too.
type LocalProvider struct {
	log     logrus.FieldLogger
	baseDir string
	shell   string

	mu         sync.Mutex
	namespaces map[string]*localNamespace
}

type localNamespace struct {
	ownerID   string
	quota     Quota
	launched  bool
	terminals int
}

// NewLocalProvider creates a provider rooted at baseDir. Shell defaults
// to /bin/bash.
func NewLocalProvider(baseDir, shell string, log logrus.FieldLogger) *LocalProvider {
	if shell == "" {
		shell = "/bin/bash"
	}
	return &LocalProvider{
		log:        log.WithField("component", "sandbox.local"),
		baseDir:    baseDir,
		shell:      shell,
		namespaces: make(map[string]*localNamespace),
	}
}

func (p *LocalProvider) CreateNamespace(_ context.Context, name, ownerID string) error {
	if err := os.MkdirAll(filepath.Join(p.baseDir, name), 0o755); err != nil {
		return fmt.Errorf("creating namespace dir: %w", err)
	}

	p.mu.Lock()
	p.namespaces[name] = &localNamespace{ownerID: ownerID}
	p.mu.Unlock()

	p.log.WithField("namespace", name).Info("Created local namespace")
	return nil
}

func (p *LocalProvider) DeleteNamespace(_ context.Context, name string) error {
	p.mu.Lock()
	delete(p.namespaces, name)
	p.mu.Unlock()

	// Absent-is-success: RemoveAll does not fail on a missing path.
	if err := os.RemoveAll(filepath.Join(p.baseDir, name)); err != nil {
		return fmt.Errorf("removing namespace dir: %w", err)
	}
	return nil
}

func (p *LocalProvider) ApplyQuota(_ context.Context, name string, q Quota) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.namespaces[name]
	if !ok {
		return fmt.Errorf("namespace %s does not exist", name)
	}
	ns.quota = q
	return nil
}

func (p *LocalProvider) BindAccessPolicy(_ context.Context, name, ownerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.namespaces[name]
	if !ok {
		return fmt.Errorf("namespace %s does not exist", name)
	}
	ns.ownerID = ownerID
	return nil
}

func (p *LocalProvider) LaunchToolbox(_ context.Context, name, _ string, credential []byte) error {
	p.mu.Lock()
	ns, ok := p.namespaces[name]
	if ok {
		ns.launched = true
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("namespace %s does not exist", name)
	}

	if credential != nil {
		path := filepath.Join(p.baseDir, name, ".credential")
		if err := os.WriteFile(path, credential, 0o600); err != nil {
			return fmt.Errorf("writing credential: %w", err)
		}
	}
	return nil
}

// OpenExecChannel starts a fresh shell on a PTY in the namespace
// directory. Unlike the cluster provider there is no resident toolbox
// process; each channel owns its own shell.
func (p *LocalProvider) OpenExecChannel(_ context.Context, name string) (ExecChannel, error) {
	p.mu.Lock()
	ns, ok := p.namespaces[name]
	if !ok || !ns.launched {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: no toolbox in namespace %s", ErrChannelUnavailable, name)
	}
	ns.terminals++
	p.mu.Unlock()

	cmd := exec.Command(p.shell)
	cmd.Dir = filepath.Join(p.baseDir, name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		p.releaseTerminal(name)
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	ch := &localExecChannel{
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
		onExit: func() {
			p.releaseTerminal(name)
		},
	}

	go func() {
		cmd.Wait()
		ptmx.Close()
		close(ch.done)
		ch.onExit()
	}()

	return ch, nil
}

func (p *LocalProvider) releaseTerminal(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ns, ok := p.namespaces[name]; ok && ns.terminals > 0 {
		ns.terminals--
	}
}

func (p *LocalProvider) GetUsage(_ context.Context, name string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ns, ok := p.namespaces[name]
	if !ok {
		return map[string]string{}, nil
	}
	return map[string]string{"terminals": strconv.Itoa(ns.terminals)}, nil
}

// DeleteResource is a no-op locally: directory-backed namespaces hold no
// typed resources, and absent-is-success matches the provider contract.
func (p *LocalProvider) DeleteResource(_ context.Context, _ string, kind Kind, _ string) error {
	if _, ok := kindNames[kind]; !ok {
		return ErrUnknownKind
	}
	return nil
}

// localExecChannel adapts a shell on a PTY to the ExecChannel interface.
type localExecChannel struct {
	ptmx   *os.File
	cmd    *exec.Cmd
	done   chan struct{}
	onExit func()

	closeOnce sync.Once
}

func (c *localExecChannel) Stdin() io.Writer      { return c.ptmx }
func (c *localExecChannel) Stdout() io.Reader     { return c.ptmx }
func (c *localExecChannel) Done() <-chan struct{} { return c.done }

func (c *localExecChannel) Resize(cols, rows uint16) error {
	return pty.Setsize(c.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close terminates the shell: SIGTERM, a bounded grace wait, then
// SIGKILL. Idempotent.
func (c *localExecChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.cmd.Process != nil {
			c.cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-c.done:
		case <-time.After(execGrace):
			if c.cmd.Process != nil {
				c.cmd.Process.Kill()
			}
			<-c.done
		}
	})
	return nil
}

var (
	_ Provider    = (*LocalProvider)(nil)
	_ ExecChannel = (*localExecChannel)(nil)
)
