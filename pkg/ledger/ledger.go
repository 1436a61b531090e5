// Package ledger owns the durable operation lifecycle. Every unit of remote
// work gets exactly one row keyed by its caller-supplied ID; re-driving the
// same ID resumes that row instead of creating a new attempt. All status
// changes go through the state machine here, and each one leaves an
// append-only log line behind.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

// ErrIllegalTransition is returned when a status change is not permitted by
// the lifecycle state machine. The row is left untouched.
var ErrIllegalTransition = errors.New("illegal status transition")

// DefaultMaxRetries bounds automatic re-queueing of transient failures.
const DefaultMaxRetries = 3

// transitions enumerates the legal lifecycle moves. Terminal states have no
// outgoing edges; a completed or failed row is never mutated again.
var transitions = map[stores.OperationStatus][]stores.OperationStatus{
	stores.OperationStatusPending: {stores.OperationStatusRunning, stores.OperationStatusBlocked},
	stores.OperationStatusBlocked: {stores.OperationStatusRunning},
	stores.OperationStatusRunning: {stores.OperationStatusCompleted, stores.OperationStatusPending, stores.OperationStatusFailed},
}

func legal(from, to stores.OperationStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Definition carries the identity and bookkeeping bounds of an operation.
type Definition struct {
	ID         string
	Category   string
	Name       string
	WorkType   stores.WorkType
	ResourceID *string
	TotalSteps int
	MaxRetries int
	ParentID   *string
	Provenance string
}

// Ledger records operation lifecycles in the persistence layer.
type Ledger struct {
	backend stores.Store
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock substitutes the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger over the given persistence backend.
func New(backend stores.Store, opts ...Option) *Ledger {
	l := &Ledger{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin finds or creates the operation row for def.ID. A pre-existing row is
// returned as-is with resumed=true so the caller can continue from its
// recorded progress; a fresh row starts pending at step zero.
func (l *Ledger) Begin(ctx context.Context, def Definition) (op *stores.Operation, resumed bool, err error) {
	if def.ID == "" {
		return nil, false, fmt.Errorf("operation ID must be non-empty")
	}

	existing, err := l.backend.GetOperation(ctx, def.ID)
	if err == nil {
		log.Debug().
			Str("component", "ledger").
			Str("operation_id", def.ID).
			Str("status", string(existing.Status)).
			Int("current_step", existing.CurrentStep).
			Msg("Resuming existing operation")
		return existing, true, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to look up operation %s: %w", def.ID, err)
	}

	maxRetries := def.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now := l.now().Unix()
	op = &stores.Operation{
		ID:         def.ID,
		Category:   def.Category,
		Name:       def.Name,
		WorkType:   def.WorkType,
		ResourceID: def.ResourceID,
		Status:     stores.OperationStatusPending,
		TotalSteps: def.TotalSteps,
		MaxRetries: maxRetries,
		ParentID:   def.ParentID,
		Provenance: def.Provenance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.backend.CreateOperation(ctx, op); err != nil {
		return nil, false, fmt.Errorf("failed to create operation %s: %w", def.ID, err)
	}

	if err := l.Append(ctx, def.ID, stores.LogLevelInfo, "operation created", nil, nil); err != nil {
		return nil, false, err
	}
	return op, false, nil
}

// Start moves an operation into running.
func (l *Ledger) Start(ctx context.Context, id string) (*stores.Operation, error) {
	return l.transition(ctx, id, stores.OperationStatusRunning, nil, nil, "operation started")
}

// Block parks a pending operation until its dependencies are met. The reason
// is stored on the row so status queries can explain the block.
func (l *Ledger) Block(ctx context.Context, id, reason string) (*stores.Operation, error) {
	return l.transition(ctx, id, stores.OperationStatusBlocked, &reason, nil, "operation blocked: "+reason)
}

// Complete finishes a running operation successfully. The completion
// timestamp and duration are derived from the original start, not from any
// intermediate retry.
func (l *Ledger) Complete(ctx context.Context, id string) (*stores.Operation, error) {
	return l.transition(ctx, id, stores.OperationStatusCompleted, nil, nil, "operation completed")
}

// Fail finishes a running operation with the captured error.
func (l *Ledger) Fail(ctx context.Context, id, message, code string) (*stores.Operation, error) {
	return l.transition(ctx, id, stores.OperationStatusFailed, &message, &code,
		fmt.Sprintf("operation failed [%s]: %s", code, message))
}

// Requeue returns a running operation to pending for another attempt and
// counts the retry.
func (l *Ledger) Requeue(ctx context.Context, id string) (*stores.Operation, error) {
	op, err := l.backend.GetOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	if !legal(op.Status, stores.OperationStatusPending) {
		return nil, fmt.Errorf("operation %s: %s -> pending: %w", id, op.Status, ErrIllegalTransition)
	}
	if op.RetryCount >= op.MaxRetries {
		return nil, fmt.Errorf("operation %s exhausted its %d retries", id, op.MaxRetries)
	}

	now := l.now().Unix()
	if err := l.backend.UpdateOperationStatus(ctx, id, stores.OperationStatusPending, nil, nil, now); err != nil {
		return nil, fmt.Errorf("failed to requeue operation %s: %w", id, err)
	}
	if err := l.backend.IncrementOperationRetry(ctx, id, now); err != nil {
		return nil, fmt.Errorf("failed to count retry for operation %s: %w", id, err)
	}

	msg := fmt.Sprintf("operation requeued for retry %d/%d", op.RetryCount+1, op.MaxRetries)
	if err := l.Append(ctx, id, stores.LogLevelWarning, msg, nil, nil); err != nil {
		return nil, err
	}
	return l.backend.GetOperation(ctx, id)
}

func (l *Ledger) transition(ctx context.Context, id string, to stores.OperationStatus, errMsg, errCode *string, logMsg string) (*stores.Operation, error) {
	op, err := l.backend.GetOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	if !legal(op.Status, to) {
		return nil, fmt.Errorf("operation %s: %s -> %s: %w", id, op.Status, to, ErrIllegalTransition)
	}

	now := l.now().Unix()
	if err := l.backend.UpdateOperationStatus(ctx, id, to, errMsg, errCode, now); err != nil {
		return nil, fmt.Errorf("failed to update operation %s: %w", id, err)
	}

	level := stores.LogLevelInfo
	if to == stores.OperationStatusFailed {
		level = stores.LogLevelError
	} else if to == stores.OperationStatusBlocked {
		level = stores.LogLevelWarning
	}
	if err := l.Append(ctx, id, level, logMsg, nil, nil); err != nil {
		return nil, err
	}

	log.Debug().
		Str("component", "ledger").
		Str("operation_id", id).
		Str("from", string(op.Status)).
		Str("to", string(to)).
		Msg("Operation status changed")

	return l.backend.GetOperation(ctx, id)
}

// SetProgress updates the step counters of a running operation. When the
// current step reaches the total the operation completes automatically.
func (l *Ledger) SetProgress(ctx context.Context, id string, step, total int, description string) (*stores.Operation, error) {
	op, err := l.backend.GetOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	if op.Status != stores.OperationStatusRunning {
		return nil, fmt.Errorf("operation %s is %s, progress requires running", id, op.Status)
	}

	now := l.now().Unix()
	if err := l.backend.UpdateOperationProgress(ctx, id, step, total, description, now); err != nil {
		return nil, fmt.Errorf("failed to update progress for operation %s: %w", id, err)
	}
	if err := l.Append(ctx, id, stores.LogLevelInfo, description, nil, &step); err != nil {
		return nil, err
	}

	if total > 0 && step >= total {
		return l.Complete(ctx, id)
	}
	return l.backend.GetOperation(ctx, id)
}

// CountRedrive bumps the retry counter of a terminal row without touching
// its status. Used when a failed operation is re-driven as a fresh attempt,
// so the row eventually stops surfacing as a re-drive candidate.
func (l *Ledger) CountRedrive(ctx context.Context, id string) error {
	if err := l.backend.IncrementOperationRetry(ctx, id, l.now().Unix()); err != nil {
		return fmt.Errorf("failed to count re-drive for operation %s: %w", id, err)
	}
	return nil
}

// Checkpoint stores the opaque resume blobs for a later continuation.
func (l *Ledger) Checkpoint(ctx context.Context, id string, resumeData, checkpointData *string) error {
	if err := l.backend.SetOperationCheckpoint(ctx, id, resumeData, checkpointData, l.now().Unix()); err != nil {
		return fmt.Errorf("failed to checkpoint operation %s: %w", id, err)
	}
	return nil
}

// Append writes one immutable log line for the operation.
func (l *Ledger) Append(ctx context.Context, id string, level stores.LogLevel, message string, detail *string, step *int) error {
	entry := &stores.OperationLog{
		OperationID: id,
		Level:       level,
		Message:     message,
		Detail:      detail,
		Step:        step,
		Timestamp:   l.now().Unix(),
	}
	if err := l.backend.AppendOperationLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to append log for operation %s: %w", id, err)
	}
	return nil
}

// Get returns the operation row.
func (l *Ledger) Get(ctx context.Context, id string) (*stores.Operation, error) {
	return l.backend.GetOperation(ctx, id)
}

// List returns operations filtered by optional status and category.
func (l *Ledger) List(ctx context.Context, status *stores.OperationStatus, category *string, limit, offset int) ([]*stores.Operation, error) {
	return l.backend.ListOperations(ctx, status, category, limit, offset)
}

// FailedOperations returns failed rows that still have retries left.
func (l *Ledger) FailedOperations(ctx context.Context) ([]*stores.Operation, error) {
	return l.backend.FailedOperations(ctx)
}

// RunningOperations returns rows currently marked running. At startup these
// are interrupted attempts that need re-driving.
func (l *Ledger) RunningOperations(ctx context.Context) ([]*stores.Operation, error) {
	return l.backend.RunningOperations(ctx)
}

// Logs returns the append-only log lines for an operation, oldest first.
func (l *Ledger) Logs(ctx context.Context, id string, limit, offset int) ([]*stores.OperationLog, error) {
	return l.backend.GetOperationLogs(ctx, id, limit, offset)
}
