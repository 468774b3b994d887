// ABOUTME: Health monitor probing worker WebSocket endpoints
// ABOUTME: Persists probe history and flips services between running and unhealthy

package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/swarm-manager/internal/registry"
	"github.com/2389/swarm-manager/internal/store"
)

// pingFrame is the probe message sent to a worker.
var pingFrame = []byte(`{"type":"ping"}`)

// Monitor probes worker endpoints and records the results.
type Monitor struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger

	// dialer is swappable for tests
	dialer *websocket.Dialer
}

// New creates a monitor over the given store and registry.
func New(st store.Store, reg *registry.Registry) *Monitor {
	return &Monitor{
		store:    st,
		registry: reg,
		logger:   slog.Default().With("component", "health"),
		dialer:   websocket.DefaultDialer,
	}
}

// CheckService runs all probes against one service, persists the result,
// stamps the service's last check time, and flips its status when the
// aggregate verdict disagrees with the current state.
func (m *Monitor) CheckService(ctx context.Context, svc *store.Service) (*store.HealthCheckResult, error) {
	start := time.Now()

	checks := map[string]store.CheckResult{
		"websocket": m.probeWebSocket(ctx, svc),
		"process":   m.probeProcess(svc),
	}

	result := &store.HealthCheckResult{
		ID:           uuid.New().String(),
		ServiceID:    svc.ID,
		Status:       aggregate(checks),
		Checks:       checks,
		ResponseTime: time.Since(start),
		CheckedAt:    time.Now().UTC(),
	}
	if result.Status != store.HealthHealthy {
		result.Error = firstFailure(checks)
	}

	if err := m.store.SaveHealthCheck(ctx, result); err != nil {
		return nil, fmt.Errorf("saving health check: %w", err)
	}

	if err := m.stampLastCheck(ctx, svc.ID, result.CheckedAt); err != nil {
		m.logger.Warn("failed to stamp last health check", "service", svc.Name, "error", err)
	}

	switch result.Status {
	case store.HealthUnhealthy:
		if err := m.registry.MarkUnhealthy(ctx, svc.ID, result.Error); err != nil {
			m.logger.Warn("failed to mark unhealthy", "service", svc.Name, "error", err)
		}
	case store.HealthHealthy:
		if err := m.registry.MarkHealthy(ctx, svc.ID); err != nil {
			m.logger.Warn("failed to mark healthy", "service", svc.Name, "error", err)
		}
	}

	m.logger.Debug("health check complete", "service", svc.Name, "status", result.Status, "duration", result.ResponseTime)
	return result, nil
}

// probeWebSocket dials the worker endpoint and sends a ping frame. Any reply
// within the timeout is healthy; a connect that then times out waiting for
// the reply is degraded; a failed dial is unhealthy.
func (m *Monitor) probeWebSocket(ctx context.Context, svc *store.Service) store.CheckResult {
	timeout := svc.Config.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(dialCtx, svc.Endpoint(), nil)
	if err != nil {
		return store.CheckResult{
			Status:  store.HealthUnhealthy,
			Message: fmt.Sprintf("dial failed: %v", err),
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, pingFrame); err != nil {
		return store.CheckResult{
			Status:  store.HealthUnhealthy,
			Message: fmt.Sprintf("ping write failed: %v", err),
		}
	}

	conn.SetReadDeadline(deadline)
	if _, _, err := conn.ReadMessage(); err != nil {
		return store.CheckResult{
			Status:  store.HealthDegraded,
			Message: fmt.Sprintf("no reply to ping: %v", err),
		}
	}

	return store.CheckResult{Status: store.HealthHealthy, Message: "ping ok"}
}

// probeProcess checks the tracked worker process. Services without a
// tracked handle are judged by the endpoint probe alone.
func (m *Monitor) probeProcess(svc *store.Service) store.CheckResult {
	alive, tracked := m.registry.TrackedProcess(svc.ID)
	if tracked && !alive {
		return store.CheckResult{
			Status:  store.HealthUnhealthy,
			Message: "worker process not running",
		}
	}
	return store.CheckResult{Status: store.HealthHealthy}
}

// aggregate folds sub-check results into one verdict. Any unhealthy check
// wins, then any degraded, otherwise healthy.
func aggregate(checks map[string]store.CheckResult) store.HealthStatus {
	status := store.HealthHealthy
	for _, c := range checks {
		switch c.Status {
		case store.HealthUnhealthy:
			return store.HealthUnhealthy
		case store.HealthDegraded:
			status = store.HealthDegraded
		}
	}
	return status
}

// firstFailure returns the message of one failing check for the summary.
func firstFailure(checks map[string]store.CheckResult) string {
	for name, c := range checks {
		if c.Status == store.HealthUnhealthy || c.Status == store.HealthDegraded {
			return fmt.Sprintf("%s: %s", name, c.Message)
		}
	}
	return ""
}

// stampLastCheck records when the service was last probed.
func (m *Monitor) stampLastCheck(ctx context.Context, serviceID string, when time.Time) error {
	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	svc.LastHealthCheck = &when
	return m.store.UpdateService(ctx, svc)
}

// Sweep probes every service that has health checking enabled and is in a
// probeable state. Failures on one service never stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	services, err := m.store.ListServices(ctx)
	if err != nil {
		m.logger.Error("listing services for health sweep", "error", err)
		return
	}

	for _, svc := range services {
		if !svc.Config.HealthCheckEnabled {
			continue
		}
		switch svc.Status {
		case store.StatusRunning, store.StatusUnhealthy:
		default:
			continue
		}
		if _, err := m.CheckService(ctx, svc); err != nil {
			m.logger.Error("health check failed", "service", svc.Name, "error", err)
		}
	}
}

// History returns the most recent probe results for a service.
func (m *Monitor) History(ctx context.Context, serviceID string, limit int) ([]*store.HealthCheckResult, error) {
	return m.store.ListHealthChecks(ctx, serviceID, limit)
}
