package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", errors.Join(ErrUnavailable, err))
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", errors.Join(ErrUnavailable, err))
	}

	// Connection-level setting, must be applied explicitly
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", errors.Join(ErrUnavailable, err))
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized: %w", ErrUnavailable)
	}

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

const resourceColumns = `id, resource_type, name, namespace, location, provisioning_state,
	snapshot, tags, cache_key, cache_expires_at, managed,
	invalidated_at, invalidation_reason, discovered_at, adopted_at, deleted_at,
	created_at, updated_at`

func scanResource(row interface{ Scan(...any) error }) (*Resource, error) {
	r := &Resource{}
	err := row.Scan(
		&r.ID,
		&r.ResourceType,
		&r.Name,
		&r.Namespace,
		&r.Location,
		&r.ProvisioningState,
		&r.Snapshot,
		&r.Tags,
		&r.CacheKey,
		&r.CacheExpiresAt,
		&r.Managed,
		&r.InvalidatedAt,
		&r.InvalidationReason,
		&r.DiscoveredAt,
		&r.AdoptedAt,
		&r.DeletedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpsertResource inserts or updates a resource by its (namespace, type, name)
// uniqueness invariant. A re-observation refreshes the snapshot and cache
// expiry and clears any prior invalidation.
func (s *SQLiteStore) UpsertResource(ctx context.Context, r *Resource) error {
	query := `
		INSERT INTO resources (
			id, resource_type, name, namespace, location, provisioning_state,
			snapshot, tags, cache_key, cache_expires_at, managed,
			invalidated_at, invalidation_reason, discovered_at, adopted_at, deleted_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, resource_type, name) DO UPDATE SET
			location = excluded.location,
			provisioning_state = excluded.provisioning_state,
			snapshot = excluded.snapshot,
			tags = excluded.tags,
			cache_key = excluded.cache_key,
			cache_expires_at = excluded.cache_expires_at,
			managed = excluded.managed,
			invalidated_at = NULL,
			invalidation_reason = NULL,
			adopted_at = COALESCE(resources.adopted_at, excluded.adopted_at),
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.ResourceType,
		r.Name,
		r.Namespace,
		r.Location,
		r.ProvisioningState,
		r.Snapshot,
		r.Tags,
		r.CacheKey,
		r.CacheExpiresAt,
		r.Managed,
		r.InvalidatedAt,
		r.InvalidationReason,
		r.DiscoveredAt,
		r.AdoptedAt,
		r.DeletedAt,
		r.CreatedAt,
		r.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	return nil
}

// GetResource retrieves an active (non-deleted) resource by its identity.
func (s *SQLiteStore) GetResource(ctx context.Context, namespace, resourceType, name string) (*Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE namespace = ? AND resource_type = ? AND name = ? AND deleted_at IS NULL
	`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, namespace, resourceType, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %s/%s/%s: %w", namespace, resourceType, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return r, nil
}

// GetResourceAny retrieves a resource regardless of soft deletion, for audit queries.
func (s *SQLiteStore) GetResourceAny(ctx context.Context, namespace, resourceType, name string) (*Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE namespace = ? AND resource_type = ? AND name = ?
	`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, namespace, resourceType, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %s/%s/%s: %w", namespace, resourceType, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return r, nil
}

// GetResourceByID retrieves a resource by row ID regardless of soft deletion.
func (s *SQLiteStore) GetResourceByID(ctx context.Context, id string) (*Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ?`

	r, err := scanResource(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return r, nil
}

// ListActiveResources lists non-deleted resources with optional filters and pagination.
func (s *SQLiteStore) ListActiveResources(ctx context.Context, namespace, resourceType *string, limit, offset int) ([]*Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM active_resources
		WHERE (? IS NULL OR namespace = ?)
		  AND (? IS NULL OR resource_type = ?)
		ORDER BY namespace, resource_type, name
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, namespace, namespace, resourceType, resourceType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// SoftDeleteResource sets the delete timestamp without cascading edge history.
func (s *SQLiteStore) SoftDeleteResource(ctx context.Context, id string, now int64) error {
	query := `UPDATE resources SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete resource: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}

	return nil
}

// InvalidateResourcesByType marks all cached rows of a type invalid.
// Used after any local mutation of a resource of that type.
func (s *SQLiteStore) InvalidateResourcesByType(ctx context.Context, resourceType, reason string, now int64) (int64, error) {
	query := `
		UPDATE resources
		SET invalidated_at = ?, invalidation_reason = ?
		WHERE resource_type = ? AND invalidated_at IS NULL AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, now, reason, resourceType)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate resources: %w", err)
	}

	return result.RowsAffected()
}

// InvalidateResourcesByCacheKey marks rows whose cache key matches a LIKE pattern invalid.
func (s *SQLiteStore) InvalidateResourcesByCacheKey(ctx context.Context, pattern, reason string, now int64) (int64, error) {
	query := `
		UPDATE resources
		SET invalidated_at = ?, invalidation_reason = ?
		WHERE cache_key LIKE ? AND invalidated_at IS NULL AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, now, reason, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate resources: %w", err)
	}

	return result.RowsAffected()
}

// UpsertDependency inserts a dependency edge or refreshes validated_at on repeat calls.
func (s *SQLiteStore) UpsertDependency(ctx context.Context, d *Dependency) error {
	query := `
		INSERT INTO dependencies (resource_id, depends_on_id, kind, relationship, validated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id, depends_on_id, kind) DO UPDATE SET
			relationship = excluded.relationship,
			validated_at = excluded.validated_at
	`

	result, err := s.db.ExecContext(ctx, query,
		d.ResourceID,
		d.DependsOnID,
		d.Kind,
		d.Relationship,
		d.ValidatedAt,
		d.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert dependency: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		d.ID = id
	}

	return nil
}

const dependencyColumns = `id, resource_id, depends_on_id, kind, relationship, validated_at, created_at`

func (s *SQLiteStore) queryDependencies(ctx context.Context, query string, args ...any) ([]*Dependency, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := []*Dependency{}
	for rows.Next() {
		d := &Dependency{}
		err := rows.Scan(
			&d.ID,
			&d.ResourceID,
			&d.DependsOnID,
			&d.Kind,
			&d.Relationship,
			&d.ValidatedAt,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

// DependenciesOf returns the outgoing edges of a resource (what it depends on).
func (s *SQLiteStore) DependenciesOf(ctx context.Context, resourceID string) ([]*Dependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM dependencies WHERE resource_id = ? ORDER BY id`
	return s.queryDependencies(ctx, query, resourceID)
}

// DependentsOf returns the incoming edges of a resource (what depends on it).
func (s *SQLiteStore) DependentsOf(ctx context.Context, resourceID string) ([]*Dependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM dependencies WHERE depends_on_id = ? ORDER BY id`
	return s.queryDependencies(ctx, query, resourceID)
}

// ListDependencies returns every dependency edge.
func (s *SQLiteStore) ListDependencies(ctx context.Context) ([]*Dependency, error) {
	query := `SELECT ` + dependencyColumns + ` FROM dependencies ORDER BY id`
	return s.queryDependencies(ctx, query)
}

const operationColumns = `id, category, name, work_type, resource_id, status,
	started_at, completed_at, duration_secs,
	current_step, total_steps, step_description,
	error_message, error_code, retry_count, max_retries,
	resume_data, checkpoint_data, parent_id, provenance,
	created_at, updated_at`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	op := &Operation{}
	err := row.Scan(
		&op.ID,
		&op.Category,
		&op.Name,
		&op.WorkType,
		&op.ResourceID,
		&op.Status,
		&op.StartedAt,
		&op.CompletedAt,
		&op.DurationSecs,
		&op.CurrentStep,
		&op.TotalSteps,
		&op.StepDescription,
		&op.ErrorMessage,
		&op.ErrorCode,
		&op.RetryCount,
		&op.MaxRetries,
		&op.ResumeData,
		&op.CheckpointData,
		&op.ParentID,
		&op.Provenance,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return op, nil
}

// CreateOperation creates a new operation ledger row.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *Operation) error {
	query := `
		INSERT INTO operations (
			id, category, name, work_type, resource_id, status,
			started_at, completed_at, duration_secs,
			current_step, total_steps, step_description,
			error_message, error_code, retry_count, max_retries,
			resume_data, checkpoint_data, parent_id, provenance,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.Category,
		op.Name,
		op.WorkType,
		op.ResourceID,
		op.Status,
		op.StartedAt,
		op.CompletedAt,
		op.DurationSecs,
		op.CurrentStep,
		op.TotalSteps,
		op.StepDescription,
		op.ErrorMessage,
		op.ErrorCode,
		op.RetryCount,
		op.MaxRetries,
		op.ResumeData,
		op.CheckpointData,
		op.ParentID,
		op.Provenance,
		op.CreatedAt,
		op.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// GetOperation retrieves an operation by ID
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`

	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// UpdateOperationStatus updates an operation's status in a single statement.
// started_at is set on the first transition to running and preserved after
// that, so a resumed operation keeps its original start time. completed_at
// and duration are set only on terminal transitions.
func (s *SQLiteStore) UpdateOperationStatus(ctx context.Context, id string, status OperationStatus, errMsg, errCode *string, now int64) error {
	query := `
		UPDATE operations
		SET status = ?,
			error_message = ?,
			error_code = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'running' THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END,
			duration_secs = CASE WHEN ? IN ('completed', 'failed') AND started_at IS NOT NULL THEN ? - started_at ELSE duration_secs END,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status, errMsg, errCode,
		status, now,
		status, now,
		status, now,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpdateOperationProgress updates step counters in place.
func (s *SQLiteStore) UpdateOperationProgress(ctx context.Context, id string, currentStep, totalSteps int, description string, now int64) error {
	query := `
		UPDATE operations
		SET current_step = ?, total_steps = ?, step_description = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, currentStep, totalSteps, description, now, id)
	if err != nil {
		return fmt.Errorf("failed to update operation progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}

	return nil
}

// IncrementOperationRetry increments the retry counter for an operation.
func (s *SQLiteStore) IncrementOperationRetry(ctx context.Context, id string, now int64) error {
	query := `UPDATE operations SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to increment retries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}

	return nil
}

// SetOperationCheckpoint persists the opaque resume blobs for an operation.
func (s *SQLiteStore) SetOperationCheckpoint(ctx context.Context, id string, resumeData, checkpointData *string, now int64) error {
	query := `UPDATE operations SET resume_data = ?, checkpoint_data = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, resumeData, checkpointData, now, id)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}

	return nil
}

func (s *SQLiteStore) queryOperations(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// ListOperations lists operations with optional filters and pagination.
func (s *SQLiteStore) ListOperations(ctx context.Context, status *OperationStatus, category *string, limit, offset int) ([]*Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR category = ?)
		ORDER BY created_at ASC
		LIMIT ? OFFSET ?
	`
	return s.queryOperations(ctx, query, status, status, category, category, limit, offset)
}

// FailedOperations lists failed rows with retries remaining (re-drive candidates).
func (s *SQLiteStore) FailedOperations(ctx context.Context) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM failed_operations ORDER BY created_at ASC`
	return s.queryOperations(ctx, query)
}

// RunningOperations lists rows currently marked running.
func (s *SQLiteStore) RunningOperations(ctx context.Context) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM running_operations ORDER BY created_at ASC`
	return s.queryOperations(ctx, query)
}

// OperationStats returns count/avg-duration/success-rate aggregates by category and work type.
func (s *SQLiteStore) OperationStats(ctx context.Context) ([]*OperationStat, error) {
	query := `SELECT category, work_type, total, avg_duration_secs, success_rate FROM operation_stats ORDER BY category, work_type`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation stats: %w", err)
	}
	defer rows.Close()

	stats := []*OperationStat{}
	for rows.Next() {
		st := &OperationStat{}
		if err := rows.Scan(&st.Category, &st.WorkType, &st.Total, &st.AvgDurationSecs, &st.SuccessRate); err != nil {
			return nil, fmt.Errorf("failed to scan operation stat: %w", err)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation stats: %w", err)
	}

	return stats, nil
}

// ResourceTypeStats returns active-resource counts by type and namespace.
func (s *SQLiteStore) ResourceTypeStats(ctx context.Context) ([]*ResourceTypeStat, error) {
	query := `SELECT resource_type, namespace, total FROM resource_type_stats ORDER BY resource_type, namespace`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query resource type stats: %w", err)
	}
	defer rows.Close()

	stats := []*ResourceTypeStat{}
	for rows.Next() {
		st := &ResourceTypeStat{}
		if err := rows.Scan(&st.ResourceType, &st.Namespace, &st.Total); err != nil {
			return nil, fmt.Errorf("failed to scan resource type stat: %w", err)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource type stats: %w", err)
	}

	return stats, nil
}

// AppendOperationLog appends an immutable log line to an operation.
func (s *SQLiteStore) AppendOperationLog(ctx context.Context, entry *OperationLog) error {
	query := `
		INSERT INTO operation_logs (operation_id, level, message, detail, step, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.OperationID,
		entry.Level,
		entry.Message,
		entry.Detail,
		entry.Step,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append operation log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// GetOperationLogs retrieves log lines for an operation in append order.
func (s *SQLiteStore) GetOperationLogs(ctx context.Context, operationID string, limit, offset int) ([]*OperationLog, error) {
	query := `
		SELECT id, operation_id, level, message, detail, step, timestamp
		FROM operation_logs
		WHERE operation_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, operationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation logs: %w", err)
	}
	defer rows.Close()

	entries := []*OperationLog{}
	for rows.Next() {
		e := &OperationLog{}
		err := rows.Scan(
			&e.ID,
			&e.OperationID,
			&e.Level,
			&e.Message,
			&e.Detail,
			&e.Step,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation log: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation logs: %w", err)
	}

	return entries, nil
}

// UpsertCacheEntry inserts or replaces a cached query snapshot. A refresh
// resets the hit counter and clears any prior invalidation.
func (s *SQLiteStore) UpsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	query := `
		INSERT INTO cache_metadata (cache_key, payload, created_at, expires_at, hit_count, invalidated_at, invalidation_reason)
		VALUES (?, ?, ?, ?, 0, NULL, NULL)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = 0,
			invalidated_at = NULL,
			invalidation_reason = NULL
	`

	_, err := s.db.ExecContext(ctx, query, e.CacheKey, e.Payload, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	return nil
}

// GetCacheEntry retrieves a live (non-expired, non-invalidated) cache entry.
func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string, now int64) (*CacheEntry, error) {
	query := `
		SELECT cache_key, payload, created_at, expires_at, hit_count, invalidated_at, invalidation_reason
		FROM cache_metadata
		WHERE cache_key = ? AND expires_at > ? AND invalidated_at IS NULL
	`

	e := &CacheEntry{}
	err := s.db.QueryRowContext(ctx, query, key, now).Scan(
		&e.CacheKey,
		&e.Payload,
		&e.CreatedAt,
		&e.ExpiresAt,
		&e.HitCount,
		&e.InvalidatedAt,
		&e.InvalidationReason,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return e, nil
}

// IncrementCacheHit bumps the hit counter for a cache entry.
func (s *SQLiteStore) IncrementCacheHit(ctx context.Context, key string) error {
	query := `UPDATE cache_metadata SET hit_count = hit_count + 1 WHERE cache_key = ?`

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to increment cache hit: %w", err)
	}

	return nil
}

// InvalidateCache marks cache entries matching a LIKE pattern invalid.
func (s *SQLiteStore) InvalidateCache(ctx context.Context, pattern, reason string, now int64) (int64, error) {
	query := `
		UPDATE cache_metadata
		SET invalidated_at = ?, invalidation_reason = ?
		WHERE cache_key LIKE ? AND invalidated_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, now, reason, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}

	return result.RowsAffected()
}

// PurgeExpiredCache deletes expired and invalidated cache entries.
func (s *SQLiteStore) PurgeExpiredCache(ctx context.Context, now int64) (int64, error) {
	query := `DELETE FROM cache_metadata WHERE expires_at <= ? OR invalidated_at IS NOT NULL`

	result, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}

	return result.RowsAffected()
}
