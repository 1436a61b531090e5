package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stackpilot/stackpilot/pkg/graph"
	"github.com/stackpilot/stackpilot/pkg/ledger"
	"github.com/stackpilot/stackpilot/pkg/resources"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// Limits output captured onto a failed operation row.
const maxCapturedOutput = 1000

// OperationSpec is a fully resolved operation ready to drive: identity and
// bookkeeping bounds for the ledger, the body to run, and an optional
// resource template to upsert on success.
type OperationSpec struct {
	ID         string
	Category   string
	Name       string
	WorkType   stores.WorkType
	ResourceID *string
	TotalSteps int
	MaxRetries int
	ParentID   *string
	Provenance string
	Timeout    time.Duration
	Params     Params
	Body       Executable
	Result     *ResourceTemplate
}

// ResourceTemplate describes the resource a successful operation yields. The
// snapshot comes from the body's stdout when it is valid JSON.
type ResourceTemplate struct {
	ResourceType string
	Name         string
	Namespace    string
	Location     string
	Tags         string
}

// Source resolves operation IDs to runnable specs. The playbook layer is the
// production implementation.
type Source interface {
	Resolve(ctx context.Context, id string) (*OperationSpec, error)
}

// OperationResult is the outcome of driving one operation.
type OperationResult struct {
	OperationID  string                 `json:"operation_id"`
	Status       stores.OperationStatus `json:"status"`
	Signal       *ExitSignal            `json:"signal,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	Retries      int                    `json:"retries"`
}

// Config bounds engine behavior.
type Config struct {
	// MaxParallel caps concurrent dispatch within one batch level. Kept
	// small: the remote side rejects concurrent mutations on one target.
	MaxParallel int

	// DefaultTimeout applies to bodies whose spec carries none.
	DefaultTimeout time.Duration

	// RetryBackoff is the base delay before a retry cycle; it doubles per
	// retry.
	RetryBackoff time.Duration

	// ContinueOnError lets a batch keep driving independent operations
	// after one fails.
	ContinueOnError bool
}

// DefaultConfig returns the standard engine bounds.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    4,
		DefaultTimeout: 30 * time.Minute,
		RetryBackoff:   2 * time.Second,
	}
}

// Engine orchestrates operations over the ledger, graph and resource store.
type Engine struct {
	cfg        Config
	source     Source
	resources  *resources.Store
	graph      *graph.Graph
	ledger     *ledger.Ledger
	classifier Classifier
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClassifier swaps the failure classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithSleep substitutes the backoff sleeper, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// New creates an Engine.
func New(cfg Config, source Source, res *resources.Store, g *graph.Graph, l *ledger.Ledger, opts ...Option) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}

	e := &Engine{
		cfg:        cfg,
		source:     source,
		resources:  res,
		graph:      g,
		ledger:     l,
		classifier: DefaultClassifier(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives one operation to a settled state: blocked, completed or failed.
// A completed or exhausted-failed row returns its recorded outcome without
// re-running the body, so Run is safe to re-invoke with the same ID.
// Store-level errors are returned to the caller; body failures are not Go
// errors, they are captured in the result.
func (e *Engine) Run(ctx context.Context, id string) (*OperationResult, error) {
	spec, err := e.source.Resolve(ctx, id)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to resolve operation %s: %w", id, err))
	}
	res, err := e.drive(ctx, spec)
	return res, storeErr(err)
}

// storeErr maps persistence-unreachable failures onto the engine taxonomy so
// top-level callers can tell them apart from body failures. Other errors pass
// through untouched.
func storeErr(err error) error {
	if err != nil && errors.Is(err, stores.ErrUnavailable) {
		return NewFatalError(err.Error(), err).WithCode(ErrCodeStoreUnavailable)
	}
	return err
}

func (e *Engine) drive(ctx context.Context, spec *OperationSpec) (*OperationResult, error) {
	op, resumed, err := e.ledger.Begin(ctx, ledger.Definition{
		ID:         spec.ID,
		Category:   spec.Category,
		Name:       spec.Name,
		WorkType:   spec.WorkType,
		ResourceID: spec.ResourceID,
		TotalSteps: spec.TotalSteps,
		MaxRetries: spec.MaxRetries,
		ParentID:   spec.ParentID,
		Provenance: spec.Provenance,
	})
	if err != nil {
		return nil, err
	}
	if op.Status.IsTerminal() {
		// Settled attempts are never re-run in place; Redrive creates a
		// fresh attempt for eligible failures.
		return resultFromRow(op), nil
	}
	if resumed && op.Status == stores.OperationStatusRunning {
		log.Info().
			Str("component", "engine").
			Str("operation_id", op.ID).
			Int("current_step", op.CurrentStep).
			Msg("Re-driving interrupted operation")
	}

	for {
		// Dependency gate.
		if spec.ResourceID != nil && op.Status != stores.OperationStatusRunning {
			ok, unmet, gerr := e.graph.IsSatisfied(ctx, *spec.ResourceID)
			if gerr != nil {
				return nil, gerr
			}
			if !ok {
				reason := graph.FormatUnmet(unmet)
				if op.Status == stores.OperationStatusPending {
					if op, err = e.ledger.Block(ctx, op.ID, reason); err != nil {
						return nil, err
					}
				}
				return &OperationResult{
					OperationID:  op.ID,
					Status:       stores.OperationStatusBlocked,
					ErrorMessage: reason,
					ErrorCode:    ErrCodeDependencyUnsatisfied,
					Retries:      op.RetryCount,
				}, nil
			}
		}

		// An interrupted row is already running; everything else starts.
		if op.Status != stores.OperationStatusRunning {
			if op, err = e.ledger.Start(ctx, op.ID); err != nil {
				return nil, err
			}
		}
		telemetry.OperationsStarted.WithLabelValues(op.Category, string(op.WorkType)).Inc()

		// Checkpoint the resolved inputs before the body runs so a crashed
		// attempt records what it executed with. Resume data is preserved.
		if len(spec.Params) > 0 {
			cp, merr := json.Marshal(spec.Params)
			if merr != nil {
				return nil, fmt.Errorf("failed to encode checkpoint for %s: %w", op.ID, merr)
			}
			data := string(cp)
			if err := e.ledger.Checkpoint(ctx, op.ID, op.ResumeData, &data); err != nil {
				return nil, err
			}
		}

		signal, runErr := e.invoke(ctx, spec, op)

		switch {
		case ctx.Err() != nil:
			return e.cancel(op.ID, signal)

		case errors.Is(runErr, context.DeadlineExceeded):
			msg := fmt.Sprintf("timed out after %s", e.timeout(spec))
			op, err = e.ledger.Fail(context.WithoutCancel(ctx), op.ID, msg, ErrCodeTimeout)
			if err != nil {
				return nil, err
			}
			e.observeTerminal(op)
			return resultFromRow(op).withSignal(signal), nil

		case runErr == nil && signal.Success():
			if err := e.recordSuccess(ctx, spec, signal); err != nil {
				var invalid *OpError
				if errors.As(err, &invalid) && invalid.Code == ErrCodeInvalidResourceData {
					if op, err = e.ledger.Fail(ctx, op.ID, invalid.Message, ErrCodeInvalidResourceData); err != nil {
						return nil, err
					}
					e.observeTerminal(op)
					return resultFromRow(op).withSignal(signal), nil
				}
				return nil, err
			}
			if op, err = e.complete(ctx, op); err != nil {
				return nil, err
			}
			e.observeTerminal(op)
			return resultFromRow(op).withSignal(signal), nil

		default:
			output := signal.Output()
			if output == "" && runErr != nil {
				output = runErr.Error()
			}
			op, err = e.handleFailure(ctx, op, output)
			if err != nil {
				return nil, err
			}
			if op.Status == stores.OperationStatusFailed {
				e.observeTerminal(op)
				return resultFromRow(op).withSignal(signal), nil
			}
			// Requeued; loop for the next attempt.
		}
	}
}

func (e *Engine) timeout(spec *OperationSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return e.cfg.DefaultTimeout
}

// invoke runs the body under the per-operation timeout with resume context
// injected into its params.
func (e *Engine) invoke(ctx context.Context, spec *OperationSpec, op *stores.Operation) (*ExitSignal, error) {
	params := make(Params, len(spec.Params)+2)
	for k, v := range spec.Params {
		params[k] = v
	}
	if op.CurrentStep > 0 {
		params["start_step"] = strconv.Itoa(op.CurrentStep + 1)
	}
	if op.ResumeData != nil {
		params["resume_data"] = *op.ResumeData
	}

	bodyCtx, cancel := context.WithTimeout(ctx, e.timeout(spec))
	defer cancel()

	signal, err := spec.Body.Run(bodyCtx, params)
	if bodyCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return signal, context.DeadlineExceeded
	}
	return signal, err
}

// cancel settles a cancelled operation as failed without touching the
// resource store, so no resource is left marked managed by work that never
// finished.
func (e *Engine) cancel(id string, signal *ExitSignal) (*OperationResult, error) {
	ctx := context.Background()
	op, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status == stores.OperationStatusRunning {
		if op, err = e.ledger.Fail(ctx, id, "operation cancelled", ErrCodeCancelled); err != nil {
			return nil, err
		}
	}
	e.observeTerminal(op)
	return resultFromRow(op).withSignal(signal), nil
}

// recordSuccess applies the resource-store side of a successful operation
// before it is marked completed: delete work soft-deletes its target, other
// work upserts the yielded resource. Related cache is invalidated
// synchronously either way.
func (e *Engine) recordSuccess(ctx context.Context, spec *OperationSpec, signal *ExitSignal) error {
	if spec.WorkType == stores.WorkTypeDelete {
		if spec.ResourceID == nil {
			return nil
		}
		if err := e.resources.SoftDelete(ctx, *spec.ResourceID); err != nil {
			return fmt.Errorf("failed to record deletion for operation %s: %w", spec.ID, err)
		}
		return nil
	}

	if spec.Result == nil {
		return nil
	}

	snapshot := "{}"
	if json.Valid([]byte(signal.Stdout)) && signal.Stdout != "" {
		snapshot = signal.Stdout
	}
	tags := spec.Result.Tags
	if tags == "" {
		tags = "{}"
	}

	r := &stores.Resource{
		ResourceType:      spec.Result.ResourceType,
		Name:              spec.Result.Name,
		Namespace:         spec.Result.Namespace,
		Location:          spec.Result.Location,
		ProvisioningState: stores.ProvisioningSucceeded,
		Snapshot:          snapshot,
		Tags:              tags,
		Managed:           spec.WorkType != stores.WorkTypeValidate,
	}
	if err := e.resources.Put(ctx, r); err != nil {
		if errors.Is(err, resources.ErrInvalidResourceData) {
			return NewFatalError(err.Error(), err).WithCode(ErrCodeInvalidResourceData)
		}
		return fmt.Errorf("failed to record resource for operation %s: %w", spec.ID, err)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, op *stores.Operation) (*stores.Operation, error) {
	if op.TotalSteps > 0 {
		return e.ledger.SetProgress(ctx, op.ID, op.TotalSteps, op.TotalSteps, "operation finished")
	}
	return e.ledger.Complete(ctx, op.ID)
}

// handleFailure classifies captured output and either requeues the row for
// another attempt or settles it as failed.
func (e *Engine) handleFailure(ctx context.Context, op *stores.Operation, output string) (*stores.Operation, error) {
	class, hint := e.classifier.Classify(output)

	detail := fmt.Sprintf(`{"class":%q,"hint":%q}`, class, hint)
	if err := e.ledger.Append(ctx, op.ID, stores.LogLevelWarning,
		fmt.Sprintf("body failed, classified %s", class), &detail, nil); err != nil {
		return nil, err
	}

	if class != ErrorClassFatal && op.RetryCount < op.MaxRetries {
		op, err := e.ledger.Requeue(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		telemetry.OperationRetries.Inc()

		backoff := e.cfg.RetryBackoff << (op.RetryCount - 1)
		log.Warn().
			Str("component", "engine").
			Str("operation_id", op.ID).
			Int("retry", op.RetryCount).
			Dur("backoff", backoff).
			Str("class", string(class)).
			Msg("Operation body failed, retrying")
		if err := e.sleep(ctx, backoff); err != nil {
			// Cancelled mid-backoff; settle the row.
			if _, serr := e.ledger.Start(context.WithoutCancel(ctx), op.ID); serr != nil {
				return nil, serr
			}
			return e.ledger.Fail(context.WithoutCancel(ctx), op.ID, "operation cancelled", ErrCodeCancelled)
		}
		return op, nil
	}

	return e.ledger.Fail(ctx, op.ID, truncate(output), ErrCodeBodyFailed)
}

func (e *Engine) observeTerminal(op *stores.Operation) {
	if !op.Status.IsTerminal() {
		return
	}
	telemetry.OperationsCompleted.WithLabelValues(op.Category, string(op.Status)).Inc()
	if op.DurationSecs != nil {
		telemetry.OperationDuration.WithLabelValues(op.Category).Observe(float64(*op.DurationSecs))
	}
}

// Redrive creates a fresh attempt for a failed operation under a derived ID
// linked to the original through parent_id. The original row's retry counter
// is bumped so it eventually drops out of the re-drive candidate view.
func (e *Engine) Redrive(ctx context.Context, id string) (*OperationResult, error) {
	op, err := e.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status != stores.OperationStatusFailed {
		return nil, fmt.Errorf("operation %s is %s, only failed operations can be re-driven", id, op.Status)
	}
	if op.RetryCount >= op.MaxRetries {
		return nil, fmt.Errorf("operation %s exhausted its %d retries", id, op.MaxRetries)
	}

	spec, err := e.source.Resolve(ctx, id)
	if err != nil {
		return nil, storeErr(fmt.Errorf("failed to resolve operation %s: %w", id, err))
	}

	attempt := *spec
	attempt.ID = fmt.Sprintf("%s.retry-%d", id, op.RetryCount+1)
	attempt.ParentID = &op.ID

	if err := e.ledger.Append(ctx, id, stores.LogLevelInfo,
		fmt.Sprintf("re-driving as %s", attempt.ID), nil, nil); err != nil {
		return nil, err
	}
	if err := e.ledger.CountRedrive(ctx, id); err != nil {
		return nil, err
	}
	res, err := e.drive(ctx, &attempt)
	return res, storeErr(err)
}

// Status returns the ledger row for an operation.
func (e *Engine) Status(ctx context.Context, id string) (*stores.Operation, error) {
	return e.ledger.Get(ctx, id)
}

// List returns ledger rows, optionally filtered.
func (e *Engine) List(ctx context.Context, status *stores.OperationStatus, category *string, limit, offset int) ([]*stores.Operation, error) {
	return e.ledger.List(ctx, status, category, limit, offset)
}

// Resume re-drives outstanding work: interrupted running rows, pending and
// blocked rows, and failed rows with retries left, in dependency order.
func (e *Engine) Resume(ctx context.Context) ([]OperationResult, error) {
	var candidates []*stores.Operation
	seen := make(map[string]bool)

	add := func(ops []*stores.Operation) {
		for _, op := range ops {
			if !seen[op.ID] {
				seen[op.ID] = true
				candidates = append(candidates, op)
			}
		}
	}

	running, err := e.ledger.RunningOperations(ctx)
	if err != nil {
		return nil, err
	}
	add(running)
	for _, status := range []stores.OperationStatus{stores.OperationStatusPending, stores.OperationStatusBlocked} {
		s := status
		ops, err := e.ledger.List(ctx, &s, nil, 1000, 0)
		if err != nil {
			return nil, err
		}
		add(ops)
	}
	failed, err := e.ledger.FailedOperations(ctx)
	if err != nil {
		return nil, err
	}
	add(failed)

	ordered, err := e.orderByDependencies(ctx, candidates)
	if err != nil {
		return nil, err
	}

	results := make([]OperationResult, 0, len(ordered))
	for _, op := range ordered {
		var res *OperationResult
		var rerr error
		if op.Status == stores.OperationStatusFailed {
			res, rerr = e.Redrive(ctx, op.ID)
		} else {
			res, rerr = e.Run(ctx, op.ID)
		}
		if rerr != nil {
			if e.cfg.ContinueOnError {
				log.Error().
					Str("component", "engine").
					Str("operation_id", op.ID).
					Err(rerr).
					Msg("Resume failed for operation, continuing")
				continue
			}
			return results, storeErr(rerr)
		}
		results = append(results, *res)
	}
	return results, nil
}

// orderByDependencies sorts operations so that an operation whose target
// depends on another operation's target runs later. Operations without a
// target resource keep their input order, first.
func (e *Engine) orderByDependencies(ctx context.Context, ops []*stores.Operation) ([]*stores.Operation, error) {
	byResource := make(map[string][]*stores.Operation)
	var untargeted, targeted []*stores.Operation
	var resourceIDs []string

	for _, op := range ops {
		if op.ResourceID == nil {
			untargeted = append(untargeted, op)
			continue
		}
		targeted = append(targeted, op)
		if _, ok := byResource[*op.ResourceID]; !ok {
			resourceIDs = append(resourceIDs, *op.ResourceID)
		}
		byResource[*op.ResourceID] = append(byResource[*op.ResourceID], op)
	}
	if len(targeted) == 0 {
		return ops, nil
	}

	levels, err := e.graph.Levels(ctx, resourceIDs)
	if err != nil {
		return nil, err
	}

	ordered := make([]*stores.Operation, 0, len(ops))
	ordered = append(ordered, untargeted...)
	for _, level := range levels {
		for _, rid := range level {
			ordered = append(ordered, byResource[rid]...)
		}
	}
	return ordered, nil
}

// RunBatch drives a set of operations in topological order. Operations in
// the same level share no edges and dispatch concurrently, bounded by
// MaxParallel; the engine blocks until a level settles before advancing.
func (e *Engine) RunBatch(ctx context.Context, ids []string) ([]OperationResult, error) {
	specs := make(map[string]*OperationSpec, len(ids))
	byResource := make(map[string][]string)
	var untargeted []string
	var resourceIDs []string

	for _, id := range ids {
		spec, err := e.source.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve operation %s: %w", id, err)
		}
		specs[id] = spec
		if spec.ResourceID == nil {
			untargeted = append(untargeted, id)
			continue
		}
		if _, ok := byResource[*spec.ResourceID]; !ok {
			resourceIDs = append(resourceIDs, *spec.ResourceID)
		}
		byResource[*spec.ResourceID] = append(byResource[*spec.ResourceID], id)
	}

	levels, err := e.graph.Levels(ctx, resourceIDs)
	if err != nil {
		return nil, err
	}

	groups := make([][]string, 0, len(levels)+1)
	if len(untargeted) > 0 {
		groups = append(groups, untargeted)
	}
	for _, level := range levels {
		group := make([]string, 0, len(level))
		for _, rid := range level {
			group = append(group, byResource[rid]...)
		}
		groups = append(groups, group)
	}

	var mu sync.Mutex
	results := make([]OperationResult, 0, len(ids))

	for _, group := range groups {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxParallel)
		for _, id := range group {
			id := id
			g.Go(func() error {
				res, err := e.drive(gctx, specs[id])
				if err != nil {
					if e.cfg.ContinueOnError {
						log.Error().
							Str("component", "engine").
							Str("operation_id", id).
							Err(err).
							Msg("Batch operation failed, continuing")
						return nil
					}
					return err
				}
				mu.Lock()
				results = append(results, *res)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return results, storeErr(err)
		}
	}
	return results, nil
}

func resultFromRow(op *stores.Operation) *OperationResult {
	res := &OperationResult{
		OperationID: op.ID,
		Status:      op.Status,
		Retries:     op.RetryCount,
	}
	if op.ErrorMessage != nil {
		res.ErrorMessage = *op.ErrorMessage
	}
	if op.ErrorCode != nil {
		res.ErrorCode = *op.ErrorCode
	}
	return res
}

func (r *OperationResult) withSignal(signal *ExitSignal) *OperationResult {
	r.Signal = signal
	return r
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput]
}
