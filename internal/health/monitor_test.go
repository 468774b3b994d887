// ABOUTME: Tests for the health monitor probes and status flips
// ABOUTME: Uses httptest WebSocket servers standing in for workers

package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swarm-manager/internal/registry"
	"github.com/2389/swarm-manager/internal/store"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startWorker runs a WebSocket endpoint. If mute is true it accepts
// connections but never replies to pings.
func startWorker(t *testing.T, mute bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			if mute {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupMonitor(t *testing.T) (*Monitor, store.Store, *registry.Registry) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, registry.NewPortAllocator(18600, 18699), registry.NewExecSupervisor())
	return New(st, reg), st, reg
}

// serviceAt builds a running service record pointing at the given ws URL.
func serviceAt(t *testing.T, st store.Store, name, serverURL string, enabled bool) *store.Service {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	now := time.Now().UTC()
	svc := &store.Service{
		ID:     uuid.New().String(),
		Name:   name,
		Host:   u.Hostname(),
		Port:   port,
		Status: store.StatusRunning,
		Config: store.ServiceConfig{
			FactoryPath:        "/usr/local/bin/worker",
			HealthCheckEnabled: enabled,
			HealthCheckTimeout: time.Second,
		},
		CreatedAt: now,
		StartedAt: &now,
	}
	require.NoError(t, st.CreateService(context.Background(), svc))
	return svc
}

func TestCheckHealthyWorker(t *testing.T) {
	m, st, _ := setupMonitor(t)
	ctx := context.Background()

	srv := startWorker(t, false)
	svc := serviceAt(t, st, "weather", srv.URL, true)

	result, err := m.CheckService(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, result.Status)
	assert.Equal(t, store.HealthHealthy, result.Checks["websocket"].Status)
	assert.Empty(t, result.Error)

	t.Run("result persisted", func(t *testing.T) {
		history, err := m.History(ctx, svc.ID, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, store.HealthHealthy, history[0].Status)
	})

	t.Run("last check stamped", func(t *testing.T) {
		got, err := st.GetService(ctx, svc.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastHealthCheck)
	})
}

func TestCheckUnreachableWorker(t *testing.T) {
	m, st, _ := setupMonitor(t)
	ctx := context.Background()

	// Point at a server that has already shut down
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	svc := serviceAt(t, st, "gone", addr, true)

	result, err := m.CheckService(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, result.Status)
	assert.Equal(t, store.HealthUnhealthy, result.Checks["websocket"].Status)
	assert.Contains(t, result.Checks["websocket"].Message, "dial failed")
	assert.NotEmpty(t, result.Error)

	t.Run("service flipped to unhealthy", func(t *testing.T) {
		got, err := st.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusUnhealthy, got.Status)
	})

	t.Run("exactly one result persisted", func(t *testing.T) {
		history, err := m.History(ctx, svc.ID, 10)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestMuteWorkerIsDegraded(t *testing.T) {
	m, st, _ := setupMonitor(t)
	ctx := context.Background()

	srv := startWorker(t, true)
	svc := serviceAt(t, st, "quietone", srv.URL, true)

	result, err := m.CheckService(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, store.HealthDegraded, result.Status)
	assert.Equal(t, store.HealthDegraded, result.Checks["websocket"].Status)
	assert.True(t, strings.Contains(result.Checks["websocket"].Message, "no reply"))

	// Degraded does not flip the service out of running
	got, err := st.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestRecoveryFlip(t *testing.T) {
	m, st, _ := setupMonitor(t)
	ctx := context.Background()

	srv := startWorker(t, false)
	svc := serviceAt(t, st, "resilient", srv.URL, true)

	// Simulate a prior failed probe
	svc.Status = store.StatusUnhealthy
	svc.ErrorMessage = "probe timeout"
	require.NoError(t, st.UpdateService(ctx, svc))

	result, err := m.CheckService(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, result.Status)

	got, err := st.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestSweep(t *testing.T) {
	m, st, _ := setupMonitor(t)
	ctx := context.Background()

	srv := startWorker(t, false)
	checked := serviceAt(t, st, "checked", srv.URL, true)
	skippedDisabled := serviceAt(t, st, "nochecks", srv.URL, false)

	stopped := serviceAt(t, st, "stopped", srv.URL, true)
	stopped.Status = store.StatusStopped
	require.NoError(t, st.UpdateService(ctx, stopped))

	m.Sweep(ctx)

	history, err := m.History(ctx, checked.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	for _, svc := range []*store.Service{skippedDisabled, stopped} {
		history, err := m.History(ctx, svc.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, history, "service %s should not be probed", svc.Name)
	}
}
