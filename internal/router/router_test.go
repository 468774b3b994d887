// ABOUTME: Tests for rule evaluation and load balancing strategies
// ABOUTME: Uses an on-disk store seeded with running services

package router

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/swarm-manager/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRouter(t *testing.T, opts ...Option) (*Router, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, opts...), st
}

func addService(t *testing.T, st store.Store, name string, status store.ServiceStatus, tags ...string) *store.Service {
	t.Helper()
	svc := &store.Service{
		ID:     uuid.New().String(),
		Name:   name,
		Host:   "127.0.0.1",
		Port:   18400 + len(name),
		Tags:   tags,
		Status: status,
		Config: store.ServiceConfig{
			FactoryPath: "/usr/local/bin/worker",
			MaxSessions: 10,
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateService(context.Background(), svc))
	return svc
}

func addRule(t *testing.T, st store.Store, rule *store.RoutingRule) {
	t.Helper()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now().UTC()
	require.NoError(t, st.CreateRoutingRule(context.Background(), rule))
}

func TestFallbackRoundRobin(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "weather", store.StatusRunning)
	addService(t, st, "echo", store.StatusRunning)
	addService(t, st, "sleeping", store.StatusStopped)

	req := &RouteRequest{ClientIP: "10.0.0.1", Path: "/ws"}

	var got []string
	for i := 0; i < 4; i++ {
		dec, err := r.Route(ctx, req)
		require.NoError(t, err)
		got = append(got, dec.Service.Name)
	}
	assert.Equal(t, []string{"weather", "echo", "weather", "echo"}, got)
}

func TestRoundRobinCounterScope(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, st store.Store) {
		addService(t, st, "alpha", store.StatusRunning)
		addService(t, st, "beta", store.StatusRunning)
		addService(t, st, "gamma", store.StatusRunning)
		addRule(t, st, &store.RoutingRule{
			Name:     "front-pair",
			Priority: 1,
			Enabled:  true,
			Conditions: []store.RoutingCondition{
				{Field: "path", Operator: store.OpStartsWith, Value: "/front"},
			},
			Strategy:       store.StrategyRoundRobin,
			TargetServices: []string{"alpha", "beta"},
		})
		addRule(t, st, &store.RoutingRule{
			Name:     "back-pair",
			Priority: 2,
			Enabled:  true,
			Conditions: []store.RoutingCondition{
				{Field: "path", Operator: store.OpStartsWith, Value: "/back"},
			},
			Strategy:       store.StrategyRoundRobin,
			TargetServices: []string{"beta", "gamma"},
		})
	}

	t.Run("default shares one counter across rules", func(t *testing.T) {
		r, st := setupRouter(t)
		seed(t, st)

		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/front"})
		require.NoError(t, err)
		assert.Equal(t, "alpha", dec.Service.Name)

		dec, err = r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/back"})
		require.NoError(t, err)
		assert.Equal(t, "gamma", dec.Service.Name)
	})

	t.Run("per-set option rotates each candidate set independently", func(t *testing.T) {
		r, st := setupRouter(t, WithPerSetRoundRobin())
		seed(t, st)

		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/front"})
		require.NoError(t, err)
		assert.Equal(t, "alpha", dec.Service.Name)

		dec, err = r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/back"})
		require.NoError(t, err)
		assert.Equal(t, "beta", dec.Service.Name)
	})
}

func TestNoServicesAvailable(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "down", store.StatusStopped)
	addService(t, st, "broken", store.StatusError)

	_, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrNoServicesAvailable)
}

func TestRulePriorityOrder(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "weather", store.StatusRunning)
	addService(t, st, "echo", store.StatusRunning)

	addRule(t, st, &store.RoutingRule{
		Name:           "catch-all",
		Priority:       100,
		Enabled:        true,
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"echo"},
	})
	addRule(t, st, &store.RoutingRule{
		Name:     "api-first",
		Priority: 1,
		Enabled:  true,
		Conditions: []store.RoutingCondition{
			{Field: "path", Operator: store.OpStartsWith, Value: "/api"},
		},
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"weather"},
	})

	dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/api/v1"})
	require.NoError(t, err)
	assert.Equal(t, "weather", dec.Service.Name)

	dec, err = r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1", Path: "/other"})
	require.NoError(t, err)
	assert.Equal(t, "echo", dec.Service.Name)
}

func TestDisabledRuleSkipped(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "weather", store.StatusRunning)
	addService(t, st, "echo", store.StatusRunning)

	addRule(t, st, &store.RoutingRule{
		Name:           "disabled",
		Priority:       1,
		Enabled:        false,
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"weather"},
	})
	addRule(t, st, &store.RoutingRule{
		Name:           "active",
		Priority:       2,
		Enabled:        true,
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"echo"},
	})

	dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "echo", dec.Service.Name)
}

func TestEmptyTargetsContinue(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "echo", store.StatusRunning)
	addService(t, st, "offline", store.StatusStopped)

	addRule(t, st, &store.RoutingRule{
		Name:           "wants-offline",
		Priority:       1,
		Enabled:        true,
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"offline"},
	})
	addRule(t, st, &store.RoutingRule{
		Name:           "next-best",
		Priority:       2,
		Enabled:        true,
		Strategy:       store.StrategyRoundRobin,
		TargetServices: []string{"echo"},
	})

	// The first rule matches but resolves to nothing routable, so the
	// second rule must still be consulted
	dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "echo", dec.Service.Name)
}

func TestTagTargets(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "gpu-1", store.StatusRunning, "gpu")
	addService(t, st, "gpu-2", store.StatusRunning, "gpu")
	addService(t, st, "cpu-1", store.StatusRunning, "cpu")

	addRule(t, st, &store.RoutingRule{
		Name:       "gpu-traffic",
		Priority:   1,
		Enabled:    true,
		Strategy:   store.StrategyTagBased,
		TargetTags: []string{"gpu"},
	})

	var got []string
	for i := 0; i < 4; i++ {
		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
		require.NoError(t, err)
		got = append(got, dec.Service.Name)
	}
	assert.Equal(t, []string{"gpu-1", "gpu-2", "gpu-1", "gpu-2"}, got)
}

func TestLeastConnections(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	busy := addService(t, st, "busy", store.StatusRunning)
	addService(t, st, "quiet", store.StatusRunning)

	addRule(t, st, &store.RoutingRule{
		Name:     "balance",
		Priority: 1,
		Enabled:  true,
		Strategy: store.StrategyLeastConnections,
	})

	for i := 0; i < 3; i++ {
		r.RegisterConnection(&ConnectionInfo{
			ID:        uuid.New().String(),
			ServiceID: busy.ID,
		})
	}

	dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "quiet", dec.Service.Name)
}

func TestHashBasedStickiness(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "a", store.StatusRunning)
	addService(t, st, "b", store.StatusRunning)
	addService(t, st, "c", store.StatusRunning)

	addRule(t, st, &store.RoutingRule{
		Name:     "sticky",
		Priority: 1,
		Enabled:  true,
		Strategy: store.StrategyHashBased,
	})

	firstDec, err := r.Route(ctx, &RouteRequest{ClientIP: "192.168.1.50"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "192.168.1.50"})
		require.NoError(t, err)
		assert.Equal(t, firstDec.Service.Name, dec.Service.Name)
	}
}

func TestWeightedRandomDistribution(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	addService(t, st, "a", store.StatusRunning)
	addService(t, st, "b", store.StatusRunning)

	addRule(t, st, &store.RoutingRule{
		Name:     "weighted",
		Priority: 1,
		Enabled:  true,
		Strategy: store.StrategyWeightedRandom,
	})

	seen := make(map[string]int)
	for i := 0; i < 200; i++ {
		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
		require.NoError(t, err)
		seen[dec.Service.Name]++
	}

	// Both services should receive some traffic
	assert.Greater(t, seen["a"], 0)
	assert.Greater(t, seen["b"], 0)
}

func TestCapacityLimit(t *testing.T) {
	r, st := setupRouter(t)
	ctx := context.Background()

	small := &store.Service{
		ID:     uuid.New().String(),
		Name:   "small",
		Host:   "127.0.0.1",
		Port:   18500,
		Status: store.StatusRunning,
		Config: store.ServiceConfig{
			FactoryPath: "/usr/local/bin/worker",
			MaxSessions: 1,
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateService(ctx, small))
	addService(t, st, "big", store.StatusRunning)

	r.RegisterConnection(&ConnectionInfo{ID: "c1", ServiceID: small.ID})

	// small is at capacity, every route must land on big
	for i := 0; i < 3; i++ {
		dec, err := r.Route(ctx, &RouteRequest{ClientIP: "10.0.0.1"})
		require.NoError(t, err)
		assert.Equal(t, "big", dec.Service.Name)
	}
}

func TestConditionOperators(t *testing.T) {
	logger := testLogger()
	req := &RouteRequest{
		ClientIP: "10.1.2.3",
		Path:     "/api/Weather",
		Headers:  map[string]string{"X-Client-Type": "Mobile"},
		Query:    map[string]string{"version": "2"},
	}

	cases := []struct {
		name string
		cond store.RoutingCondition
		want bool
	}{
		{"equals case-folded", store.RoutingCondition{Field: "header.x-client-type", Operator: store.OpEquals, Value: "mobile"}, true},
		{"equals case-sensitive miss", store.RoutingCondition{Field: "header.x-client-type", Operator: store.OpEquals, Value: "mobile", CaseSensitive: true}, false},
		{"not equals", store.RoutingCondition{Field: "client_ip", Operator: store.OpNotEquals, Value: "10.9.9.9"}, true},
		{"contains", store.RoutingCondition{Field: "path", Operator: store.OpContains, Value: "weather"}, true},
		{"not contains", store.RoutingCondition{Field: "path", Operator: store.OpNotContains, Value: "echo"}, true},
		{"starts with", store.RoutingCondition{Field: "path", Operator: store.OpStartsWith, Value: "/api"}, true},
		{"ends with", store.RoutingCondition{Field: "path", Operator: store.OpEndsWith, Value: "weather"}, true},
		{"regex", store.RoutingCondition{Field: "client_ip", Operator: store.OpRegexMatch, Value: `^10\.1\.`}, true},
		{"regex invalid is non-match", store.RoutingCondition{Field: "client_ip", Operator: store.OpRegexMatch, Value: `[unclosed`}, false},
		{"regex case-folded", store.RoutingCondition{Field: "path", Operator: store.OpRegexMatch, Value: `WEATHER$`}, true},
		{"regex case-sensitive miss", store.RoutingCondition{Field: "path", Operator: store.OpRegexMatch, Value: `weather$`, CaseSensitive: true}, false},
		{"regex class survives folding", store.RoutingCondition{Field: "path", Operator: store.OpRegexMatch, Value: `^/\D+$`}, true},
		{"in list", store.RoutingCondition{Field: "query.version", Operator: store.OpInList, Value: "1, 2, 3"}, true},
		{"not in list", store.RoutingCondition{Field: "query.version", Operator: store.OpNotInList, Value: "4,5"}, true},
		{"missing field never matches", store.RoutingCondition{Field: "query.missing", Operator: store.OpNotEquals, Value: "x"}, false},
		{"unknown field never matches", store.RoutingCondition{Field: "banana", Operator: store.OpEquals, Value: "x"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, matchCondition(req, tc.cond, logger))
		})
	}
}

func TestConnectionTracking(t *testing.T) {
	r, _ := setupRouter(t)

	info := &ConnectionInfo{ID: "conn-1", ServiceID: "svc-1", ClientIP: "10.0.0.1"}
	r.RegisterConnection(info)

	assert.Equal(t, 1, r.ActiveConnections("svc-1"))

	r.RecordFrame("conn-1", ToService, 128)
	r.RecordFrame("conn-1", ToClient, 256)

	conns := r.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, int64(1), conns[0].FramesSent)
	assert.Equal(t, int64(1), conns[0].FramesRecv)
	assert.Equal(t, int64(128), conns[0].BytesSent)
	assert.Equal(t, int64(256), conns[0].BytesRecv)

	r.UpdateConnectionStatus("conn-1", ConnIdle)
	assert.Equal(t, 1, r.ActiveConnections("svc-1"), "idle connections still hold a session slot")

	r.UpdateConnectionStatus("conn-1", ConnDisconnected)
	assert.Equal(t, 0, r.ActiveConnections("svc-1"))

	r.UnregisterConnection("conn-1")
	assert.Empty(t, r.Connections())
}
