package stores

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the persistence layer cannot be reached.
var ErrUnavailable = errors.New("store unavailable")

// OperationStatus represents the lifecycle status of an operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusBlocked   OperationStatus = "blocked"
)

// IsTerminal returns true if the status represents a final state for the attempt.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed
}

// IsActive returns true if the operation still needs driving.
func (s OperationStatus) IsActive() bool {
	return s == OperationStatusPending || s == OperationStatusRunning || s == OperationStatusBlocked
}

// WorkType represents the kind of remote work an operation performs.
type WorkType string

const (
	WorkTypeCreate   WorkType = "create"
	WorkTypeAdopt    WorkType = "adopt"
	WorkTypeModify   WorkType = "modify"
	WorkTypeValidate WorkType = "validate"
	WorkTypeDelete   WorkType = "delete"
)

// DependencyKind represents the strength of a dependency edge.
type DependencyKind string

const (
	DependencyRequired  DependencyKind = "required"
	DependencyOptional  DependencyKind = "optional"
	DependencyReference DependencyKind = "reference"
)

// LogLevel represents the severity level of an operation log entry.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// ProvisioningSucceeded is the remote provisioning state that marks a
// resource as usable by its dependents.
const ProvisioningSucceeded = "Succeeded"

// Resource is the durable record of a remote resource. Rows are never
// hard-deleted; soft-deleted rows keep their edge history for audit.
type Resource struct {
	ID                 string  `json:"id"`
	ResourceType       string  `json:"resource_type"`
	Name               string  `json:"name"`
	Namespace          string  `json:"namespace"`
	Location           string  `json:"location"`
	ProvisioningState  string  `json:"provisioning_state"`
	Snapshot           string  `json:"snapshot"` // serialized remote body
	Tags               string  `json:"tags"`     // serialized tag set
	CacheKey           string  `json:"cache_key"`
	CacheExpiresAt     int64   `json:"cache_expires_at"`
	Managed            bool    `json:"managed"`
	InvalidatedAt      *int64  `json:"invalidated_at,omitempty"`
	InvalidationReason *string `json:"invalidation_reason,omitempty"`
	DiscoveredAt       int64   `json:"discovered_at"`
	AdoptedAt          *int64  `json:"adopted_at,omitempty"`
	DeletedAt          *int64  `json:"deleted_at,omitempty"`
	CreatedAt          int64   `json:"created_at"`
	UpdatedAt          int64   `json:"updated_at"`
}

// Dependency is a directed edge: ResourceID requires DependsOnID.
type Dependency struct {
	ID           int64          `json:"id"`
	ResourceID   string         `json:"resource_id"`
	DependsOnID  string         `json:"depends_on_id"`
	Kind         DependencyKind `json:"kind"`
	Relationship string         `json:"relationship"`
	ValidatedAt  int64          `json:"validated_at"`
	CreatedAt    int64          `json:"created_at"`
}

// Operation is one attempt at a unit of remote work. Rows are never deleted.
type Operation struct {
	ID              string          `json:"id"`
	Category        string          `json:"category"`
	Name            string          `json:"name"`
	WorkType        WorkType        `json:"work_type"`
	ResourceID      *string         `json:"resource_id,omitempty"`
	Status          OperationStatus `json:"status"`
	StartedAt       *int64          `json:"started_at,omitempty"`
	CompletedAt     *int64          `json:"completed_at,omitempty"`
	DurationSecs    *int64          `json:"duration_secs,omitempty"`
	CurrentStep     int             `json:"current_step"`
	TotalSteps      int             `json:"total_steps"`
	StepDescription string          `json:"step_description"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ErrorCode       *string         `json:"error_code,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	ResumeData      *string         `json:"resume_data,omitempty"`
	CheckpointData  *string         `json:"checkpoint_data,omitempty"`
	ParentID        *string         `json:"parent_id,omitempty"`
	Provenance      string          `json:"provenance"`
	CreatedAt       int64           `json:"created_at"`
	UpdatedAt       int64           `json:"updated_at"`
}

// OperationLog is an immutable, append-only log line attached to an operation.
type OperationLog struct {
	ID          int64    `json:"id"`
	OperationID string   `json:"operation_id"`
	Level       LogLevel `json:"level"`
	Message     string   `json:"message"`
	Detail      *string  `json:"detail,omitempty"` // serialized structured detail
	Step        *int     `json:"step,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// CacheEntry is a TTL-bound snapshot of a prior query result (lists and
// aggregates, beyond single resources).
type CacheEntry struct {
	CacheKey           string  `json:"cache_key"`
	Payload            string  `json:"payload"`
	CreatedAt          int64   `json:"created_at"`
	ExpiresAt          int64   `json:"expires_at"`
	HitCount           int64   `json:"hit_count"`
	InvalidatedAt      *int64  `json:"invalidated_at,omitempty"`
	InvalidationReason *string `json:"invalidation_reason,omitempty"`
}

// OperationStat is one row of the operation_stats aggregate view.
type OperationStat struct {
	Category        string   `json:"category"`
	WorkType        WorkType `json:"work_type"`
	Total           int64    `json:"total"`
	AvgDurationSecs *float64 `json:"avg_duration_secs,omitempty"`
	SuccessRate     float64  `json:"success_rate"`
}

// ResourceTypeStat is one row of the resource_type_stats aggregate view.
type ResourceTypeStat struct {
	ResourceType string `json:"resource_type"`
	Namespace    string `json:"namespace"`
	Total        int64  `json:"total"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Resource operations
	UpsertResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, namespace, resourceType, name string) (*Resource, error)
	GetResourceAny(ctx context.Context, namespace, resourceType, name string) (*Resource, error)
	GetResourceByID(ctx context.Context, id string) (*Resource, error)
	ListActiveResources(ctx context.Context, namespace, resourceType *string, limit, offset int) ([]*Resource, error)
	SoftDeleteResource(ctx context.Context, id string, now int64) error
	InvalidateResourcesByType(ctx context.Context, resourceType, reason string, now int64) (int64, error)
	InvalidateResourcesByCacheKey(ctx context.Context, pattern, reason string, now int64) (int64, error)

	// Dependency operations
	UpsertDependency(ctx context.Context, d *Dependency) error
	DependenciesOf(ctx context.Context, resourceID string) ([]*Dependency, error)
	DependentsOf(ctx context.Context, resourceID string) ([]*Dependency, error)
	ListDependencies(ctx context.Context) ([]*Dependency, error)

	// Operation operations
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	UpdateOperationStatus(ctx context.Context, id string, status OperationStatus, errMsg, errCode *string, now int64) error
	UpdateOperationProgress(ctx context.Context, id string, currentStep, totalSteps int, description string, now int64) error
	IncrementOperationRetry(ctx context.Context, id string, now int64) error
	SetOperationCheckpoint(ctx context.Context, id string, resumeData, checkpointData *string, now int64) error
	ListOperations(ctx context.Context, status *OperationStatus, category *string, limit, offset int) ([]*Operation, error)
	FailedOperations(ctx context.Context) ([]*Operation, error)
	RunningOperations(ctx context.Context) ([]*Operation, error)
	OperationStats(ctx context.Context) ([]*OperationStat, error)
	ResourceTypeStats(ctx context.Context) ([]*ResourceTypeStat, error)

	// Operation log operations
	AppendOperationLog(ctx context.Context, entry *OperationLog) error
	GetOperationLogs(ctx context.Context, operationID string, limit, offset int) ([]*OperationLog, error)

	// Cache metadata operations
	UpsertCacheEntry(ctx context.Context, e *CacheEntry) error
	GetCacheEntry(ctx context.Context, key string, now int64) (*CacheEntry, error)
	IncrementCacheHit(ctx context.Context, key string) error
	InvalidateCache(ctx context.Context, pattern, reason string, now int64) (int64, error)
	PurgeExpiredCache(ctx context.Context, now int64) (int64, error)
}
