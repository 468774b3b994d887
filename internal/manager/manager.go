// ABOUTME: Agent manager facade composing registry, router, and health monitor
// ABOUTME: Runs the background health sweep and auto-restart loops

package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/swarm-manager/internal/health"
	"github.com/2389/swarm-manager/internal/registry"
	"github.com/2389/swarm-manager/internal/router"
	"github.com/2389/swarm-manager/internal/store"
)

// Options tune the background loops.
type Options struct {
	// HealthInterval is how often the health sweep runs.
	HealthInterval time.Duration
	// RestartInterval is how often the auto-restart sweep runs.
	RestartInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HealthInterval <= 0 {
		out.HealthInterval = 30 * time.Second
	}
	if out.RestartInterval <= 0 {
		out.RestartInterval = 10 * time.Second
	}
	return out
}

// Manager is the top-level coordinator for the worker fleet. It owns the
// registry, router, and monitor, and drives the periodic sweeps.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	router   *router.Router
	monitor  *health.Monitor
	opts     Options
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New composes a manager from its parts.
func New(st store.Store, reg *registry.Registry, rt *router.Router, mon *health.Monitor, opts Options) *Manager {
	return &Manager{
		store:    st,
		registry: reg,
		router:   rt,
		monitor:  mon,
		opts:     opts.withDefaults(),
		logger:   slog.Default().With("component", "manager"),
	}
}

// Registry exposes the lifecycle API.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Router exposes the routing API.
func (m *Manager) Router() *router.Router { return m.router }

// Monitor exposes the health API.
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// RegisterService registers a new worker service.
func (m *Manager) RegisterService(ctx context.Context, req registry.RegisterRequest) (*store.Service, error) {
	return m.registry.Register(ctx, req)
}

// UnregisterService stops and removes a service.
func (m *Manager) UnregisterService(ctx context.Context, id string) error {
	return m.registry.Unregister(ctx, id)
}

// StartService starts a service's worker process.
func (m *Manager) StartService(ctx context.Context, id string) (*store.Service, error) {
	return m.registry.Start(ctx, id)
}

// StopService stops a service's worker process.
func (m *Manager) StopService(ctx context.Context, id string) (*store.Service, error) {
	return m.registry.Stop(ctx, id)
}

// RestartService restarts a service's worker process.
func (m *Manager) RestartService(ctx context.Context, id string) (*store.Service, error) {
	return m.registry.Restart(ctx, id)
}

// GetService retrieves one service by id.
func (m *Manager) GetService(ctx context.Context, id string) (*store.Service, error) {
	return m.registry.GetService(ctx, id)
}

// ListServices lists all registered services.
func (m *Manager) ListServices(ctx context.Context) ([]*store.Service, error) {
	return m.registry.ListServices(ctx)
}

// RouteConnection picks a target service for an incoming connection.
func (m *Manager) RouteConnection(ctx context.Context, req *router.RouteRequest) (*router.RouteDecision, error) {
	return m.router.Route(ctx, req)
}

// AddRoutingRule persists a new routing rule.
func (m *Manager) AddRoutingRule(ctx context.Context, rule *store.RoutingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	return m.store.CreateRoutingRule(ctx, rule)
}

// ListRoutingRules lists rules in evaluation order.
func (m *Manager) ListRoutingRules(ctx context.Context, enabledOnly bool) ([]*store.RoutingRule, error) {
	return m.store.ListRoutingRules(ctx, enabledOnly)
}

// RemoveRoutingRule deletes a routing rule.
func (m *Manager) RemoveRoutingRule(ctx context.Context, id string) error {
	return m.store.DeleteRoutingRule(ctx, id)
}

// Start launches the background loops. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.healthLoop(ctx)
	go m.restartLoop(ctx)

	m.logger.Info("manager started",
		"health_interval", m.opts.HealthInterval,
		"restart_interval", m.opts.RestartInterval)
}

// Stop cancels the background loops, waits for them, and stops every
// running worker.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.registry.StopAll(ctx)
	m.logger.Info("manager stopped")
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.monitor.Sweep(ctx)
		}
	}
}

func (m *Manager) restartLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.RestartInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RestartSweep(ctx)
		}
	}
}

// RestartSweep restarts failed services that still have restart budget.
// Each eligible service waits its configured restart delay first.
func (m *Manager) RestartSweep(ctx context.Context) {
	services, err := m.store.ListServices(ctx)
	if err != nil {
		m.logger.Error("listing services for restart sweep", "error", err)
		return
	}

	for _, svc := range services {
		if !restartEligible(svc) {
			continue
		}

		m.logger.Info("auto-restarting service",
			"name", svc.Name,
			"status", svc.Status,
			"restart_count", svc.RestartCount,
			"max_restarts", svc.Config.MaxRestarts)

		if svc.Config.RestartDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(svc.Config.RestartDelay):
			}
		}

		if _, err := m.registry.Restart(ctx, svc.ID); err != nil {
			m.logger.Error("auto-restart failed", "name", svc.Name, "error", err)
		}
	}
}

// restartEligible reports whether the auto-restart sweep should pick up
// the service: it has failed, opted in, and has budget left.
func restartEligible(svc *store.Service) bool {
	if !svc.Config.AutoRestart {
		return false
	}
	switch svc.Status {
	case store.StatusError, store.StatusUnhealthy:
	default:
		return false
	}
	return svc.RestartCount < svc.Config.MaxRestarts
}

// ServiceCounts tallies services by lifecycle state.
type ServiceCounts struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Stopped   int `json:"stopped"`
	Unhealthy int `json:"unhealthy"`
	Error     int `json:"error"`
}

// SystemStats is the operational snapshot served on the status endpoint.
type SystemStats struct {
	Services          ServiceCounts `json:"services"`
	ActiveConnections int           `json:"active_connections"`
	GeneratedAt       time.Time     `json:"generated_at"`
}

// Stats builds a snapshot of the fleet.
func (m *Manager) Stats(ctx context.Context) (*SystemStats, error) {
	services, err := m.store.ListServices(ctx)
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{GeneratedAt: time.Now().UTC()}
	for _, svc := range services {
		stats.Services.Total++
		switch svc.Status {
		case store.StatusRunning:
			stats.Services.Running++
		case store.StatusStopped:
			stats.Services.Stopped++
		case store.StatusUnhealthy:
			stats.Services.Unhealthy++
		case store.StatusError:
			stats.Services.Error++
		}
	}

	for _, conn := range m.router.Connections() {
		if conn.Status.Live() {
			stats.ActiveConnections++
		}
	}

	return stats, nil
}
