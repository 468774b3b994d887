// ABOUTME: Connection router applying routing rules and load balancing
// ABOUTME: Tracks live connections so strategies can weigh active load

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/swarm-manager/internal/store"
)

// ErrNoServicesAvailable indicates no running service can accept the
// connection.
var ErrNoServicesAvailable = errors.New("no services available")

// ConnectionStatus describes a tracked connection's state.
type ConnectionStatus string

const (
	ConnConnecting    ConnectionStatus = "connecting"
	ConnConnected     ConnectionStatus = "connected"
	ConnActive        ConnectionStatus = "active"
	ConnIdle          ConnectionStatus = "idle"
	ConnDisconnecting ConnectionStatus = "disconnecting"
	ConnDisconnected  ConnectionStatus = "disconnected"
	ConnError         ConnectionStatus = "error"
)

// Live reports whether the connection still occupies a session slot.
func (s ConnectionStatus) Live() bool {
	switch s {
	case ConnConnecting, ConnConnected, ConnActive, ConnIdle:
		return true
	}
	return false
}

// Direction tags which way a relayed frame travelled.
type Direction int

const (
	ToService Direction = iota
	ToClient
)

// ConnectionInfo is the router's record of one proxied connection.
type ConnectionInfo struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id,omitempty"`
	ServiceID    string           `json:"service_id"`
	ServiceName  string           `json:"service_name"`
	ClientIP     string           `json:"client_ip"`
	ClientPort   int              `json:"client_port,omitempty"`
	UserAgent    string           `json:"user_agent,omitempty"`
	Strategy     store.Strategy   `json:"strategy,omitempty"`
	Status       ConnectionStatus `json:"status"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
	FramesSent   int64            `json:"frames_sent"`
	FramesRecv   int64            `json:"frames_received"`
	BytesSent    int64            `json:"bytes_sent"`
	BytesRecv    int64            `json:"bytes_received"`
}

// Router selects a target service for each incoming connection by evaluating
// routing rules in priority order, then load balancing within the matched
// rule's candidates.
type Router struct {
	store  store.Store
	logger *slog.Logger

	// perSetCounter gives each candidate set its own round-robin counter
	// instead of the shared rotation.
	perSetCounter bool

	mu          sync.Mutex
	counters    map[string]uint64
	connections map[string]*ConnectionInfo
}

// Option configures a Router.
type Option func(*Router)

// WithPerSetRoundRobin keys the round-robin counter by candidate set, so
// rules over disjoint services rotate independently. The default is one
// counter shared across all rules.
func WithPerSetRoundRobin() Option {
	return func(r *Router) { r.perSetCounter = true }
}

// New creates a router backed by the given store.
func New(st store.Store, opts ...Option) *Router {
	r := &Router{
		store:       st,
		logger:      slog.Default().With("component", "router"),
		counters:    make(map[string]uint64),
		connections: make(map[string]*ConnectionInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RouteDecision names the chosen service and how it was picked.
type RouteDecision struct {
	Service  *store.Service
	Strategy store.Strategy
	// Rule is the matched rule's name, empty for the fallback path.
	Rule string
}

// Route picks the target service for a request. Rules are evaluated in
// ascending priority; the first matching rule whose targets resolve to at
// least one routable service wins. When no rule applies, the request falls
// back to round robin across all routable services.
func (r *Router) Route(ctx context.Context, req *RouteRequest) (*RouteDecision, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}

	routable := make([]*store.Service, 0, len(services))
	for _, svc := range services {
		if r.isRoutable(svc) {
			routable = append(routable, svc)
		}
	}
	if len(routable) == 0 {
		return nil, ErrNoServicesAvailable
	}

	rules, err := r.store.ListRoutingRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing routing rules: %w", err)
	}

	for _, rule := range rules {
		if !ruleMatches(req, rule, r.logger) {
			continue
		}
		candidates := resolveTargets(rule, routable)
		if len(candidates) == 0 {
			// Matched rule with no live targets does not consume
			// the request; later rules still get a chance
			r.logger.Debug("matched rule has no routable targets", "rule", rule.Name)
			continue
		}
		svc := r.selectCandidate(rule.Strategy, candidates, req)
		r.logger.Debug("routed by rule", "rule", rule.Name, "strategy", rule.Strategy, "service", svc.Name)
		return &RouteDecision{Service: svc, Strategy: rule.Strategy, Rule: rule.Name}, nil
	}

	svc := r.selectRoundRobin(routable)
	r.logger.Debug("routed by fallback", "service", svc.Name)
	return &RouteDecision{Service: svc, Strategy: store.StrategyRoundRobin}, nil
}

// isRoutable reports whether a service can accept a new connection: it must
// be running and under its session limit.
func (r *Router) isRoutable(svc *store.Service) bool {
	if svc.Status != store.StatusRunning {
		return false
	}
	if svc.Config.MaxSessions > 0 && r.ActiveConnections(svc.ID) >= svc.Config.MaxSessions {
		return false
	}
	return true
}

// resolveTargets returns the routable services named by the rule, either
// directly or via tags. A rule with no targets means all routable services.
func resolveTargets(rule *store.RoutingRule, routable []*store.Service) []*store.Service {
	if len(rule.TargetServices) == 0 && len(rule.TargetTags) == 0 {
		return routable
	}

	byName := make(map[string]bool, len(rule.TargetServices))
	for _, name := range rule.TargetServices {
		byName[name] = true
	}

	var out []*store.Service
	for _, svc := range routable {
		if byName[svc.Name] {
			out = append(out, svc)
			continue
		}
		for _, tag := range rule.TargetTags {
			if svc.HasTag(tag) {
				out = append(out, svc)
				break
			}
		}
	}
	return out
}

// RegisterConnection starts tracking a proxied connection.
func (r *Router) RegisterConnection(info *ConnectionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info.Status == "" {
		info.Status = ConnConnected
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now().UTC()
	}
	info.LastActivity = info.ConnectedAt
	r.connections[info.ID] = info
}

// UnregisterConnection stops tracking a connection.
func (r *Router) UnregisterConnection(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, id)
}

// UpdateConnectionStatus sets the tracked status of a connection.
func (r *Router) UpdateConnectionStatus(id string, status ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.connections[id]; ok {
		info.Status = status
		info.LastActivity = time.Now().UTC()
	}
}

// RecordFrame updates the counters for one relayed frame.
func (r *Router) RecordFrame(id string, dir Direction, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.connections[id]
	if !ok {
		return
	}
	info.LastActivity = time.Now().UTC()
	info.Status = ConnActive
	switch dir {
	case ToService:
		info.FramesSent++
		info.BytesSent += int64(size)
	case ToClient:
		info.FramesRecv++
		info.BytesRecv += int64(size)
	}
}

// ActiveConnections counts the tracked live connections for a service.
func (r *Router) ActiveConnections(serviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, info := range r.connections {
		if info.ServiceID == serviceID && info.Status.Live() {
			n++
		}
	}
	return n
}

// Connections returns a snapshot of all tracked connections.
func (r *Router) Connections() []*ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConnectionInfo, 0, len(r.connections))
	for _, info := range r.connections {
		copied := *info
		out = append(out, &copied)
	}
	return out
}
