// ABOUTME: Store interface and data types for swarm-manager persistence
// ABOUTME: Defines Service, RoutingRule, HealthCheckResult structs and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateService is returned when creating a service whose name is already taken
var ErrDuplicateService = errors.New("service already exists")

// ErrDuplicateRule is returned when creating a routing rule whose name is already taken
var ErrDuplicateRule = errors.New("routing rule already exists")

// ServiceStatus is the lifecycle state of a managed worker service.
type ServiceStatus string

const (
	StatusStopped   ServiceStatus = "stopped"
	StatusStarting  ServiceStatus = "starting"
	StatusRunning   ServiceStatus = "running"
	StatusStopping  ServiceStatus = "stopping"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusError     ServiceStatus = "error"
)

// HealthStatus is the outcome of a health probe or sub-check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Strategy selects how the router picks one service out of a candidate set.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeightedRandom   Strategy = "weighted_random"
	StrategyHashBased        Strategy = "hash_based"
	StrategyTagBased         Strategy = "tag_based"
)

// ServiceConfig is the per-service supervision policy. It is set at
// registration time and treated as immutable afterwards.
type ServiceConfig struct {
	FactoryPath         string            `json:"factory_path"`
	MaxSessions         int               `json:"max_sessions"`
	SessionTimeout      time.Duration     `json:"session_timeout"`
	AutoRestart         bool              `json:"auto_restart"`
	MaxRestarts         int               `json:"max_restarts"`
	RestartDelay        time.Duration     `json:"restart_delay"`
	HealthCheckEnabled  bool              `json:"health_check_enabled"`
	HealthCheckInterval time.Duration     `json:"health_check_interval"`
	HealthCheckTimeout  time.Duration     `json:"health_check_timeout"`
	Env                 map[string]string `json:"env,omitempty"`
}

// ServiceStats holds rolling counters for a service. The router and the
// health monitor update them; everyone else reads.
type ServiceStats struct {
	TotalConnections int64 `json:"total_connections"`
	ActiveSessions   int64 `json:"active_sessions"`
	TotalErrors      int64 `json:"total_errors"`
}

// Service represents a managed worker process exposing a WebSocket endpoint.
type Service struct {
	ID              string
	Name            string
	Host            string
	Port            int
	Tags            []string
	Status          ServiceStatus
	Config          ServiceConfig
	Stats           ServiceStats
	CreatedAt       time.Time
	StartedAt       *time.Time
	LastHealthCheck *time.Time
	ErrorMessage    string
	RestartCount    int
	PID             int
}

// Endpoint returns the WebSocket URL clients and probes connect to.
func (s *Service) Endpoint() string {
	return fmt.Sprintf("ws://%s:%d", s.Host, s.Port)
}

// HasTag reports whether the service carries the given tag.
func (s *Service) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ConditionOperator is the comparison applied by a RoutingCondition.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
	OpRegexMatch  ConditionOperator = "regex_match"
	OpInList      ConditionOperator = "in_list"
	OpNotInList   ConditionOperator = "not_in_list"
)

// RoutingCondition matches one field of the connection context. All
// conditions of a rule are ANDed together.
type RoutingCondition struct {
	Field         string            `json:"field"`
	Operator      ConditionOperator `json:"operator"`
	Value         string            `json:"value"`
	CaseSensitive bool              `json:"case_sensitive"`
}

// RoutingRule is an ordered policy selecting which services may receive a
// connection and by which strategy. Lower priority evaluates first.
type RoutingRule struct {
	ID             string
	Name           string
	Priority       int
	Enabled        bool
	Conditions     []RoutingCondition
	Strategy       Strategy
	TargetServices []string
	TargetTags     []string
	Weight         float64
	CreatedAt      time.Time
}

// CheckResult is the outcome of a single named sub-check within a probe.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthCheckResult is one immutable probe record. Results are append-only:
// they are never updated after creation.
type HealthCheckResult struct {
	ID           string
	ServiceID    string
	Status       HealthStatus
	Checks       map[string]CheckResult
	ResponseTime time.Duration
	Error        string
	CheckedAt    time.Time
}

// Store defines the interface for service, rule, and health-check persistence
type Store interface {
	// Services
	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceByName(ctx context.Context, name string) (*Service, error)
	UpdateService(ctx context.Context, svc *Service) error
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context) ([]*Service, error)

	// Routing rules
	CreateRoutingRule(ctx context.Context, rule *RoutingRule) error
	GetRoutingRule(ctx context.Context, id string) (*RoutingRule, error)
	ListRoutingRules(ctx context.Context, enabledOnly bool) ([]*RoutingRule, error)
	UpdateRoutingRule(ctx context.Context, rule *RoutingRule) error
	DeleteRoutingRule(ctx context.Context, id string) error

	// Health checks (append-only history)
	SaveHealthCheck(ctx context.Context, result *HealthCheckResult) error
	ListHealthChecks(ctx context.Context, serviceID string, limit int) ([]*HealthCheckResult, error)

	// Close releases any resources held by the store
	Close() error
}
