// ABOUTME: Process supervision for worker executables
// ABOUTME: Spawns, watches, and terminates OS processes with SIGTERM escalation

package registry

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SpawnSpec describes one worker process launch.
type SpawnSpec struct {
	// Path is the worker executable to run.
	Path string
	// Host and Port are passed as --host and --port flags.
	Host string
	Port int
	// Env holds extra environment variables appended to the parent's.
	Env map[string]string
}

// Process is a handle to a running worker.
type Process interface {
	// PID returns the operating system process ID.
	PID() int
	// Alive reports whether the process is still running.
	Alive() bool
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Stderr returns output captured from the process's stderr, for
	// diagnostics when a worker fails during startup.
	Stderr() string
}

// Supervisor spawns worker processes. Implementations other than the
// exec-based one exist for tests.
type Supervisor interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSupervisor runs workers as real OS processes.
type ExecSupervisor struct {
	logger *slog.Logger
}

// NewExecSupervisor creates a supervisor that launches real processes.
func NewExecSupervisor() *ExecSupervisor {
	return &ExecSupervisor{
		logger: slog.Default().With("component", "supervisor"),
	}
}

// Spawn launches the worker executable with --host and --port flags and the
// spec's environment merged over the parent's.
func (s *ExecSupervisor) Spawn(spec SpawnSpec) (Process, error) {
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, fmt.Errorf("checking worker executable: %w", err)
	}

	cmd := exec.Command(spec.Path,
		"--host", spec.Host,
		"--port", fmt.Sprintf("%d", spec.Port),
	)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	p := &execProcess{
		logger: s.logger,
		stderr: &boundedWriter{limit: 64 * 1024},
	}
	cmd.Stderr = p.stderr
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	p.cmd = cmd
	p.alive = true

	go p.watch()

	s.logger.Info("spawned worker process", "path", spec.Path, "pid", cmd.Process.Pid, "port", spec.Port)
	return p, nil
}

type execProcess struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	alive  bool
	stderr *boundedWriter
	logger *slog.Logger
}

// watch reaps the process and records its exit.
func (p *execProcess) watch() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.alive = false
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("worker process exited", "pid", pid, "error", err)
	} else {
		p.logger.Info("worker process exited", "pid", pid)
	}
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *execProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

// boundedWriter keeps only the first limit bytes written to it.
type boundedWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.limit - w.buf.Len(); remaining > 0 {
		if len(b) > remaining {
			w.buf.Write(b[:remaining])
		} else {
			w.buf.Write(b)
		}
	}
	return len(b), nil
}

func (w *boundedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}
