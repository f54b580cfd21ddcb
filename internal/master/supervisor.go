// Package master implements the engine's Master Supervisor (spec.md §4.4):
// it holds the master lease, forks one child process per configured
// (runner, slice, range) tuple, and reacts to child exit per the
// documented restart policy.
package master

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mailmanhq/engine/internal/config"
	"github.com/mailmanhq/engine/internal/logging"
	"github.com/mailmanhq/engine/internal/metrics"
	"github.com/mailmanhq/engine/internal/mlock"
)

// MaxRestarts bounds abnormal-exit restarts per child slot before the
// supervisor gives up on it and leaves the slot empty.
const MaxRestarts = 5

// Spec describes one runner worker the supervisor should keep alive:
// qrunner invoked with --runner=Name:slice:numSlices.
type Spec struct {
	Runner     string
	Slice      int
	NumSlices  int
}

func (s Spec) arg() string {
	if s.NumSlices <= 1 {
		return s.Runner
	}
	return fmt.Sprintf("%s:%d:%d", s.Runner, s.Slice, s.NumSlices)
}

type child struct {
	spec     Spec
	cmd      *exec.Cmd
	restarts int
	disabled bool
}

// Supervisor forks and monitors the runner fleet under the master lease.
type Supervisor struct {
	QrunnerPath string
	ConfigPath  string
	Lock        *mlock.Lock
	Log         *logging.Logger

	mu       sync.Mutex
	children []*child
}

// New builds a Supervisor that forks cmd/qrunner for each spec.
func New(qrunnerPath, configPath string, lock *mlock.Lock, log *logging.Logger, specs []Spec) *Supervisor {
	s := &Supervisor{QrunnerPath: qrunnerPath, ConfigPath: configPath, Lock: lock, Log: log}
	for _, sp := range specs {
		s.children = append(s.children, &child{spec: sp})
	}
	return s
}

// SpecsFromConfig expands each configured runner's Count into Count
// (slice, range) worker specs.
func SpecsFromConfig(cfg *config.Config) []Spec {
	var specs []Spec
	for _, r := range cfg.Runners {
		count := r.Count
		if count < 1 {
			count = 1
		}
		for slice := 0; slice < count; slice++ {
			specs = append(specs, Spec{Runner: r.Name, Slice: slice, NumSlices: count})
		}
	}
	return specs
}

// Run acquires the master lease, forks every configured child, and blocks
// reaping exits and reacting to the restart policy until ctx is canceled.
func (m *Supervisor) Run(ctx context.Context) error {
	if err := m.Lock.Acquire(30*time.Second, false); err != nil {
		return fmt.Errorf("master: acquire master lease: %w", err)
	}
	defer m.Lock.Release()

	m.mu.Lock()
	for _, c := range m.children {
		if err := m.startLocked(c); err != nil {
			m.Log.ErrorContext(ctx, "failed to start child", err, "runner", c.spec.Runner)
		}
	}
	m.mu.Unlock()

	exits := make(chan *child, len(m.children))
	m.mu.Lock()
	for _, c := range m.children {
		go m.wait(c, exits)
	}
	m.mu.Unlock()

	refresh := time.NewTicker(m.Lock.RefreshInterval())
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Broadcast(syscall.SIGTERM)
			m.reapAll()
			return nil
		case <-refresh.C:
			if err := m.Lock.Refresh(); err != nil {
				m.Log.ErrorContext(ctx, "failed to refresh master lease", err)
			}
		case c := <-exits:
			m.handleExit(ctx, c, exits)
		}
	}
}

func (m *Supervisor) startLocked(c *child) error {
	cmd := exec.Command(m.QrunnerPath, "--config", m.ConfigPath, "--runner", c.spec.arg())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.spec.Runner, err)
	}
	c.cmd = cmd
	return nil
}

func (m *Supervisor) wait(c *child, exits chan<- *child) {
	if c.cmd != nil {
		c.cmd.Wait()
	}
	exits <- c
}

// handleExit implements spec.md §4.4's exit-code/signal restart policy.
func (m *Supervisor) handleExit(ctx context.Context, c *child, exits chan<- *child) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := c.cmd.ProcessState
	restart := false
	switch {
	case state == nil:
		restart = false
	case state.ExitCode() == 0:
		restart = false
	case isSignaled(state, syscall.SIGINT):
		restart = true
	case isSignaled(state, syscall.SIGTERM):
		restart = false
	default:
		c.restarts++
		restart = c.restarts <= MaxRestarts
		if restart {
			metrics.RunnerRestarts.WithLabelValues(c.spec.Runner).Inc()
		}
	}

	if !restart {
		if state != nil && state.ExitCode() != 0 {
			c.disabled = true
			m.Log.ErrorContext(ctx, "child exhausted restarts, leaving slot empty",
				fmt.Errorf("exit code %d", state.ExitCode()), "runner", c.spec.Runner, "restarts", c.restarts)
		}
		return
	}

	if err := m.startLocked(c); err != nil {
		m.Log.ErrorContext(ctx, "failed to restart child", err, "runner", c.spec.Runner)
		return
	}
	go m.wait(c, exits)
}

func isSignaled(state *os.ProcessState, sig syscall.Signal) bool {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return ws.Signaled() && ws.Signal() == sig
}

// Broadcast sends sig to every live child.
func (m *Supervisor) Broadcast(sig syscall.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.children {
		if c.cmd != nil && c.cmd.Process != nil {
			c.cmd.Process.Signal(sig)
		}
	}
}

func (m *Supervisor) reapAll() {
	m.mu.Lock()
	children := append([]*child{}, m.children...)
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		for _, c := range children {
			if c.cmd != nil {
				c.cmd.Wait()
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}
