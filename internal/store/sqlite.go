// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists services, routing rules, and health-check history with JSON columns

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS services (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL UNIQUE,
			host              TEXT NOT NULL,
			port              INTEGER NOT NULL,
			tags_json         TEXT NOT NULL DEFAULT '[]',
			status            TEXT NOT NULL,
			config_json       TEXT NOT NULL,
			stats_json        TEXT NOT NULL,
			created_at        DATETIME NOT NULL,
			started_at        DATETIME,
			last_health_check DATETIME,
			error_message     TEXT,
			restart_count     INTEGER NOT NULL DEFAULT 0,

			CHECK (status IN ('stopped', 'starting', 'running', 'stopping', 'unhealthy', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_services_status ON services(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_name ON services(name);

		CREATE TABLE IF NOT EXISTS routing_rules (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL UNIQUE,
			priority             INTEGER NOT NULL,
			enabled              INTEGER NOT NULL DEFAULT 1,
			conditions_json      TEXT NOT NULL DEFAULT '[]',
			strategy             TEXT NOT NULL,
			target_services_json TEXT NOT NULL DEFAULT '[]',
			target_tags_json     TEXT NOT NULL DEFAULT '[]',
			weight               REAL NOT NULL DEFAULT 1.0,
			created_at           DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_routing_rules_priority ON routing_rules(priority);

		CREATE TABLE IF NOT EXISTS health_checks (
			id               TEXT PRIMARY KEY,
			service_id       TEXT NOT NULL,
			status           TEXT NOT NULL,
			checks_json      TEXT NOT NULL DEFAULT '{}',
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			error            TEXT,
			checked_at       DATETIME NOT NULL,

			CHECK (status IN ('healthy', 'degraded', 'unhealthy', 'unknown'))
		);

		CREATE INDEX IF NOT EXISTS idx_health_checks_service
			ON health_checks(service_id, checked_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('services') WHERE name = 'pid'`,
			apply:  `ALTER TABLE services ADD COLUMN pid INTEGER NOT NULL DEFAULT 0`,
			table:  "services",
			column: "pid",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for a nil time, otherwise the RFC3339-encoded string
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime decodes an optional RFC3339 column into a *time.Time
func parseNullTime(s sql.NullString, field string) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", field, err)
	}
	return &t, nil
}

// CreateService inserts a new service row. Returns ErrDuplicateService if a
// service with the same name already exists.
func (s *SQLiteStore) CreateService(ctx context.Context, svc *Service) error {
	tagsJSON, err := json.Marshal(svc.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	configJSON, err := json.Marshal(svc.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	statsJSON, err := json.Marshal(svc.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	query := `
		INSERT INTO services (id, name, host, port, tags_json, status, config_json, stats_json,
			created_at, started_at, last_health_check, error_message, restart_count, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		svc.ID,
		svc.Name,
		svc.Host,
		svc.Port,
		string(tagsJSON),
		string(svc.Status),
		string(configJSON),
		string(statsJSON),
		svc.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(svc.StartedAt),
		nullTime(svc.LastHealthCheck),
		nullString(svc.ErrorMessage),
		svc.RestartCount,
		svc.PID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateService
		}
		return fmt.Errorf("inserting service: %w", err)
	}

	s.logger.Debug("created service", "id", svc.ID, "name", svc.Name)
	return nil
}

const serviceColumns = `id, name, host, port, tags_json, status, config_json, stats_json,
	created_at, started_at, last_health_check, error_message, restart_count, pid`

// scanService decodes one service row, failing fast on malformed stored JSON.
func scanService(scan func(dest ...any) error) (*Service, error) {
	var svc Service
	var tagsJSON, configJSON, statsJSON, createdAtStr string
	var startedAt, lastCheck, errMsg sql.NullString

	err := scan(
		&svc.ID,
		&svc.Name,
		&svc.Host,
		&svc.Port,
		&tagsJSON,
		(*string)(&svc.Status),
		&configJSON,
		&statsJSON,
		&createdAtStr,
		&startedAt,
		&lastCheck,
		&errMsg,
		&svc.RestartCount,
		&svc.PID,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &svc.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for service %s: %w", svc.ID, err)
	}
	if err := json.Unmarshal([]byte(configJSON), &svc.Config); err != nil {
		return nil, fmt.Errorf("decoding config for service %s: %w", svc.ID, err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &svc.Stats); err != nil {
		return nil, fmt.Errorf("decoding stats for service %s: %w", svc.ID, err)
	}

	svc.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	svc.StartedAt, err = parseNullTime(startedAt, "started_at")
	if err != nil {
		return nil, err
	}
	svc.LastHealthCheck, err = parseNullTime(lastCheck, "last_health_check")
	if err != nil {
		return nil, err
	}
	if errMsg.Valid {
		svc.ErrorMessage = errMsg.String
	}

	return &svc, nil
}

// GetService retrieves a service by ID.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	svc, err := scanService(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service: %w", err)
	}
	return svc, nil
}

// GetServiceByName retrieves a service by its unique name.
// Returns ErrNotFound if no service has that name.
func (s *SQLiteStore) GetServiceByName(ctx context.Context, name string) (*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE name = ?`

	row := s.db.QueryRowContext(ctx, query, name)
	svc, err := scanService(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service by name: %w", err)
	}
	return svc, nil
}

// UpdateService rewrites an existing service row.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) UpdateService(ctx context.Context, svc *Service) error {
	tagsJSON, err := json.Marshal(svc.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	configJSON, err := json.Marshal(svc.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	statsJSON, err := json.Marshal(svc.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	query := `
		UPDATE services
		SET name = ?, host = ?, port = ?, tags_json = ?, status = ?, config_json = ?,
			stats_json = ?, started_at = ?, last_health_check = ?, error_message = ?,
			restart_count = ?, pid = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		svc.Name,
		svc.Host,
		svc.Port,
		string(tagsJSON),
		string(svc.Status),
		string(configJSON),
		string(statsJSON),
		nullTime(svc.StartedAt),
		nullTime(svc.LastHealthCheck),
		nullString(svc.ErrorMessage),
		svc.RestartCount,
		svc.PID,
		svc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating service: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated service", "id", svc.ID, "status", svc.Status)
	return nil
}

// DeleteService removes a service row.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted service", "id", id)
	return nil
}

// ListServices retrieves all services in registration order.
func (s *SQLiteStore) ListServices(ctx context.Context) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		svc, err := scanService(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		services = append(services, svc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service rows: %w", err)
	}

	return services, nil
}

// CreateRoutingRule inserts a new routing rule. Returns ErrDuplicateRule if a
// rule with the same name already exists.
func (s *SQLiteStore) CreateRoutingRule(ctx context.Context, rule *RoutingRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encoding conditions: %w", err)
	}
	servicesJSON, err := json.Marshal(rule.TargetServices)
	if err != nil {
		return fmt.Errorf("encoding target services: %w", err)
	}
	tagsJSON, err := json.Marshal(rule.TargetTags)
	if err != nil {
		return fmt.Errorf("encoding target tags: %w", err)
	}

	query := `
		INSERT INTO routing_rules (id, name, priority, enabled, conditions_json, strategy,
			target_services_json, target_tags_json, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Priority,
		rule.Enabled,
		string(conditionsJSON),
		string(rule.Strategy),
		string(servicesJSON),
		string(tagsJSON),
		rule.Weight,
		rule.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateRule
		}
		return fmt.Errorf("inserting routing rule: %w", err)
	}

	s.logger.Debug("created routing rule", "id", rule.ID, "name", rule.Name, "priority", rule.Priority)
	return nil
}

const ruleColumns = `id, name, priority, enabled, conditions_json, strategy,
	target_services_json, target_tags_json, weight, created_at`

// scanRoutingRule decodes one routing rule row.
func scanRoutingRule(scan func(dest ...any) error) (*RoutingRule, error) {
	var rule RoutingRule
	var conditionsJSON, servicesJSON, tagsJSON, createdAtStr string

	err := scan(
		&rule.ID,
		&rule.Name,
		&rule.Priority,
		&rule.Enabled,
		&conditionsJSON,
		(*string)(&rule.Strategy),
		&servicesJSON,
		&tagsJSON,
		&rule.Weight,
		&createdAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("decoding conditions for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &rule.TargetServices); err != nil {
		return nil, fmt.Errorf("decoding target services for rule %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rule.TargetTags); err != nil {
		return nil, fmt.Errorf("decoding target tags for rule %s: %w", rule.ID, err)
	}

	rule.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &rule, nil
}

// GetRoutingRule retrieves a routing rule by ID.
// Returns ErrNotFound if the rule doesn't exist.
func (s *SQLiteStore) GetRoutingRule(ctx context.Context, id string) (*RoutingRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM routing_rules WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	rule, err := scanRoutingRule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying routing rule: %w", err)
	}
	return rule, nil
}

// ListRoutingRules retrieves rules ordered by ascending priority. The
// ordering is what makes rule evaluation deterministic, so ties are broken
// by insertion order.
func (s *SQLiteStore) ListRoutingRules(ctx context.Context, enabledOnly bool) ([]*RoutingRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM routing_rules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY priority ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying routing rules: %w", err)
	}
	defer rows.Close()

	var rules []*RoutingRule
	for rows.Next() {
		rule, err := scanRoutingRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning routing rule row: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routing rule rows: %w", err)
	}

	return rules, nil
}

// UpdateRoutingRule rewrites an existing rule.
// Returns ErrNotFound if the rule doesn't exist.
func (s *SQLiteStore) UpdateRoutingRule(ctx context.Context, rule *RoutingRule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("encoding conditions: %w", err)
	}
	servicesJSON, err := json.Marshal(rule.TargetServices)
	if err != nil {
		return fmt.Errorf("encoding target services: %w", err)
	}
	tagsJSON, err := json.Marshal(rule.TargetTags)
	if err != nil {
		return fmt.Errorf("encoding target tags: %w", err)
	}

	query := `
		UPDATE routing_rules
		SET name = ?, priority = ?, enabled = ?, conditions_json = ?, strategy = ?,
			target_services_json = ?, target_tags_json = ?, weight = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rule.Name,
		rule.Priority,
		rule.Enabled,
		string(conditionsJSON),
		string(rule.Strategy),
		string(servicesJSON),
		string(tagsJSON),
		rule.Weight,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating routing rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteRoutingRule removes a rule.
// Returns ErrNotFound if the rule doesn't exist.
func (s *SQLiteStore) DeleteRoutingRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting routing rule: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveHealthCheck appends one probe result to the history. Results are
// never updated or deleted.
func (s *SQLiteStore) SaveHealthCheck(ctx context.Context, result *HealthCheckResult) error {
	checksJSON, err := json.Marshal(result.Checks)
	if err != nil {
		return fmt.Errorf("encoding checks: %w", err)
	}

	query := `
		INSERT INTO health_checks (id, service_id, status, checks_json, response_time_ms, error, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		result.ID,
		result.ServiceID,
		string(result.Status),
		string(checksJSON),
		result.ResponseTime.Milliseconds(),
		nullString(result.Error),
		result.CheckedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting health check: %w", err)
	}

	s.logger.Debug("saved health check", "service_id", result.ServiceID, "status", result.Status)
	return nil
}

// ListHealthChecks retrieves the most recent probe results for a service,
// newest first. If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListHealthChecks(ctx context.Context, serviceID string, limit int) ([]*HealthCheckResult, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, service_id, status, checks_json, response_time_ms, error, checked_at
		FROM health_checks
		WHERE service_id = ?
		ORDER BY checked_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying health checks: %w", err)
	}
	defer rows.Close()

	var results []*HealthCheckResult
	for rows.Next() {
		var r HealthCheckResult
		var checksJSON, checkedAtStr string
		var errMsg sql.NullString
		var responseMs int64

		if err := rows.Scan(
			&r.ID,
			&r.ServiceID,
			(*string)(&r.Status),
			&checksJSON,
			&responseMs,
			&errMsg,
			&checkedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning health check row: %w", err)
		}

		if err := json.Unmarshal([]byte(checksJSON), &r.Checks); err != nil {
			return nil, fmt.Errorf("decoding checks for result %s: %w", r.ID, err)
		}
		r.ResponseTime = time.Duration(responseMs) * time.Millisecond
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		r.CheckedAt, err = time.Parse(time.RFC3339, checkedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing checked_at: %w", err)
		}

		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating health check rows: %w", err)
	}

	return results, nil
}
