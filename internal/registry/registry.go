// ABOUTME: Service registry managing the worker lifecycle state machine
// ABOUTME: Coordinates persistence, port allocation, and process supervision

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/swarm-manager/internal/store"
)

// ErrFactoryNotFound indicates the worker executable does not exist.
var ErrFactoryNotFound = errors.New("worker executable not found")

// ErrInvalidState indicates the operation is not valid in the service's
// current lifecycle state.
var ErrInvalidState = errors.New("invalid service state for operation")

// startupGrace is how long a spawned process must stay alive before the
// service is considered running.
const startupGrace = 500 * time.Millisecond

// stopTimeout is how long Stop waits for graceful exit before killing.
const stopTimeout = 5 * time.Second

// Registry owns the service lifecycle. All state transitions are persisted
// through the store; running process handles are kept in memory only.
type Registry struct {
	store      store.Store
	ports      *PortAllocator
	supervisor Supervisor
	logger     *slog.Logger

	mu    sync.Mutex
	procs map[string]Process
}

// New creates a registry backed by the given store, port allocator, and
// supervisor.
func New(st store.Store, ports *PortAllocator, sup Supervisor) *Registry {
	return &Registry{
		store:      st,
		ports:      ports,
		supervisor: sup,
		logger:     slog.Default().With("component", "registry"),
		procs:      make(map[string]Process),
	}
}

// RegisterRequest describes a new service to register.
type RegisterRequest struct {
	Name   string
	Host   string
	Port   int // 0 means allocate one
	Tags   []string
	Config store.ServiceConfig
}

// Register validates the request, claims a port, and persists the service in
// the stopped state. The worker process is not started.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.Service, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if req.Config.FactoryPath == "" {
		return nil, fmt.Errorf("factory path is required")
	}
	if _, err := os.Stat(req.Config.FactoryPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFactoryNotFound, req.Config.FactoryPath)
	}

	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}

	port := req.Port
	if port == 0 {
		p, err := r.ports.Allocate()
		if err != nil {
			return nil, fmt.Errorf("allocating port: %w", err)
		}
		port = p
	} else {
		if err := r.ports.Reserve(port); err != nil {
			return nil, err
		}
	}

	svc := &store.Service{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Host:      host,
		Port:      port,
		Tags:      req.Tags,
		Status:    store.StatusStopped,
		Config:    applyConfigDefaults(req.Config),
		CreatedAt: time.Now().UTC(),
	}

	if err := r.store.CreateService(ctx, svc); err != nil {
		r.ports.Release(port)
		return nil, err
	}

	r.logger.Info("registered service", "name", svc.Name, "id", svc.ID, "port", svc.Port)
	return svc, nil
}

// applyConfigDefaults fills in zero-valued config fields.
func applyConfigDefaults(cfg store.ServiceConfig) store.ServiceConfig {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Minute
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	return cfg
}

// Start spawns the worker process for a stopped service. The service moves
// through starting to running, or to error if the process dies during the
// startup grace period. Starting resets the restart count.
func (r *Registry) Start(ctx context.Context, id string) (*store.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}

	switch svc.Status {
	case store.StatusStopped, store.StatusError:
	default:
		return nil, fmt.Errorf("%w: cannot start service in state %s", ErrInvalidState, svc.Status)
	}

	svc.Status = store.StatusStarting
	svc.ErrorMessage = ""
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	proc, err := r.supervisor.Spawn(SpawnSpec{
		Path: svc.Config.FactoryPath,
		Host: svc.Host,
		Port: svc.Port,
		Env:  svc.Config.Env,
	})
	if err != nil {
		svc.Status = store.StatusError
		svc.ErrorMessage = err.Error()
		if uerr := r.store.UpdateService(ctx, svc); uerr != nil {
			r.logger.Error("failed to record start error", "id", id, "error", uerr)
		}
		return nil, fmt.Errorf("spawning worker for %s: %w", svc.Name, err)
	}

	// The process must survive the grace period to count as started
	time.Sleep(startupGrace)
	if !proc.Alive() {
		svc.Status = store.StatusError
		svc.ErrorMessage = startFailureMessage(proc)
		if uerr := r.store.UpdateService(ctx, svc); uerr != nil {
			r.logger.Error("failed to record start error", "id", id, "error", uerr)
		}
		return nil, fmt.Errorf("worker for %s exited during startup: %s", svc.Name, svc.ErrorMessage)
	}

	r.mu.Lock()
	r.procs[id] = proc
	r.mu.Unlock()

	now := time.Now().UTC()
	svc.Status = store.StatusRunning
	svc.StartedAt = &now
	svc.PID = proc.PID()
	svc.RestartCount = 0
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	r.logger.Info("started service", "name", svc.Name, "pid", svc.PID)
	return svc, nil
}

func startFailureMessage(proc Process) string {
	msg := strings.TrimSpace(proc.Stderr())
	if msg == "" {
		return "process exited during startup"
	}
	return msg
}

// Stop terminates a running service's worker process. The terminate signal
// is escalated to a kill if the process does not exit within the timeout.
// Stopping a service that is already stopped is a no-op.
func (r *Registry) Stop(ctx context.Context, id string) (*store.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}

	switch svc.Status {
	case store.StatusStopped, store.StatusError:
		return svc, nil
	case store.StatusRunning, store.StatusUnhealthy, store.StatusStarting:
	default:
		return nil, fmt.Errorf("%w: cannot stop service in state %s", ErrInvalidState, svc.Status)
	}

	svc.Status = store.StatusStopping
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	r.mu.Lock()
	proc := r.procs[id]
	delete(r.procs, id)
	r.mu.Unlock()

	if proc != nil && proc.Alive() {
		if err := proc.Terminate(); err != nil {
			r.logger.Warn("terminate signal failed", "id", id, "error", err)
		}
		if !waitFor(stopTimeout, func() bool { return !proc.Alive() }) {
			r.logger.Warn("worker did not exit gracefully, killing", "id", id, "pid", proc.PID())
			if err := proc.Kill(); err != nil {
				r.logger.Error("kill failed", "id", id, "error", err)
			}
		}
	}

	svc.Status = store.StatusStopped
	svc.StartedAt = nil
	svc.PID = 0
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	r.logger.Info("stopped service", "name", svc.Name)
	return svc, nil
}

// Restart stops the service if needed and starts it again. On success the
// restart count is one more than it was before the restart.
func (r *Registry) Restart(ctx context.Context, id string) (*store.Service, error) {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	prevCount := svc.RestartCount

	if svc.Status != store.StatusStopped && svc.Status != store.StatusError {
		if _, err := r.Stop(ctx, id); err != nil {
			return nil, fmt.Errorf("stopping before restart: %w", err)
		}
	}

	svc, err = r.Start(ctx, id)
	if err != nil {
		return nil, err
	}

	svc.RestartCount = prevCount + 1
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return nil, err
	}

	r.logger.Info("restarted service", "name", svc.Name, "restart_count", svc.RestartCount)
	return svc, nil
}

// Unregister stops the service if running, releases its port, and removes it
// from the store.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return err
	}

	if svc.Status != store.StatusStopped && svc.Status != store.StatusError {
		if _, err := r.Stop(ctx, id); err != nil {
			return fmt.Errorf("stopping before unregister: %w", err)
		}
	}

	r.ports.Release(svc.Port)

	if err := r.store.DeleteService(ctx, id); err != nil {
		return err
	}

	r.logger.Info("unregistered service", "name", svc.Name, "id", id)
	return nil
}

// MarkUnhealthy flips a running service to unhealthy. Services in other
// states are left alone.
func (r *Registry) MarkUnhealthy(ctx context.Context, id, reason string) error {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if svc.Status != store.StatusRunning {
		return nil
	}
	svc.Status = store.StatusUnhealthy
	svc.ErrorMessage = reason
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return err
	}
	r.logger.Warn("service marked unhealthy", "name", svc.Name, "reason", reason)
	return nil
}

// MarkHealthy flips an unhealthy service back to running after a passing
// probe. Services in other states are left alone.
func (r *Registry) MarkHealthy(ctx context.Context, id string) error {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	if svc.Status != store.StatusUnhealthy {
		return nil
	}
	svc.Status = store.StatusRunning
	svc.ErrorMessage = ""
	if err := r.store.UpdateService(ctx, svc); err != nil {
		return err
	}
	r.logger.Info("service recovered", "name", svc.Name)
	return nil
}

// ProcessAlive reports whether the tracked worker process for a service is
// still running. Services with no tracked process report false.
func (r *Registry) ProcessAlive(id string) bool {
	alive, tracked := r.TrackedProcess(id)
	return tracked && alive
}

// TrackedProcess reports whether a worker process handle exists for the
// service and whether it is alive. Untracked services happen when the
// manager restarts while workers keep running.
func (r *Registry) TrackedProcess(id string) (alive, tracked bool) {
	r.mu.Lock()
	proc := r.procs[id]
	r.mu.Unlock()
	if proc == nil {
		return false, false
	}
	return proc.Alive(), true
}

// RecordConnection bumps the connection counters for a service after the
// proxy accepts a new session.
func (r *Registry) RecordConnection(ctx context.Context, id string, activeSessions int) error {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	svc.Stats.TotalConnections++
	svc.Stats.ActiveSessions = int64(activeSessions)
	return r.store.UpdateService(ctx, svc)
}

// RecordError bumps a service's error counter.
func (r *Registry) RecordError(ctx context.Context, id string) error {
	svc, err := r.store.GetService(ctx, id)
	if err != nil {
		return err
	}
	svc.Stats.TotalErrors++
	return r.store.UpdateService(ctx, svc)
}

// GetService retrieves one service.
func (r *Registry) GetService(ctx context.Context, id string) (*store.Service, error) {
	return r.store.GetService(ctx, id)
}

// GetServiceByName retrieves one service by name.
func (r *Registry) GetServiceByName(ctx context.Context, name string) (*store.Service, error) {
	return r.store.GetServiceByName(ctx, name)
}

// ListServices retrieves all services in registration order.
func (r *Registry) ListServices(ctx context.Context) ([]*store.Service, error) {
	return r.store.ListServices(ctx)
}

// StopAll stops every service that has a live worker, for shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		r.logger.Error("listing services for shutdown", "error", err)
		return
	}
	for _, svc := range services {
		switch svc.Status {
		case store.StatusRunning, store.StatusUnhealthy, store.StatusStarting:
			if _, err := r.Stop(ctx, svc.ID); err != nil {
				r.logger.Error("stopping service during shutdown", "name", svc.Name, "error", err)
			}
		}
	}
}
