package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/graph"
	"github.com/stackpilot/stackpilot/pkg/ledger"
	"github.com/stackpilot/stackpilot/pkg/resources"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

type mapSource struct {
	specs map[string]*OperationSpec
}

func (s *mapSource) Resolve(_ context.Context, id string) (*OperationSpec, error) {
	spec, ok := s.specs[id]
	if !ok {
		return nil, fmt.Errorf("unknown operation %s", id)
	}
	return spec, nil
}

type harness struct {
	engine  *Engine
	backend *stores.SQLiteStore
	graph   *graph.Graph
	ledger  *ledger.Ledger
	source  *mapSource
}

func setupHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	backend, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	ctx := context.Background()
	if err := backend.Init(ctx); err != nil {
		t.Fatalf("failed to init backend: %v", err)
	}
	if err := backend.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate backend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	src := &mapSource{specs: make(map[string]*OperationSpec)}
	g := graph.New(backend)
	l := ledger.New(backend)
	res := resources.NewStore(backend)

	opts = append([]Option{WithSleep(func(context.Context, time.Duration) error { return nil })}, opts...)
	return &harness{
		engine:  New(cfg, src, res, g, l, opts...),
		backend: backend,
		graph:   g,
		ledger:  l,
		source:  src,
	}
}

func (h *harness) addSpec(spec *OperationSpec) {
	h.source.specs[spec.ID] = spec
}

func (h *harness) seedResource(t *testing.T, id, state string) {
	t.Helper()
	r := &stores.Resource{
		ID:                id,
		ResourceType:      "storage-account",
		Name:              id,
		Namespace:         "rg-app",
		ProvisioningState: state,
		Snapshot:          "{}",
		Tags:              "{}",
		DiscoveredAt:      1000,
		CreatedAt:         1000,
		UpdatedAt:         1000,
	}
	if err := h.backend.UpsertResource(context.Background(), r); err != nil {
		t.Fatalf("failed to seed resource: %v", err)
	}
}

func succeedingBody(stdout string) (Executable, *int) {
	calls := new(int)
	return BodyFunc(func(context.Context, Params) (*ExitSignal, error) {
		*calls++
		return &ExitSignal{Code: 0, Stdout: stdout}, nil
	}), calls
}

func failingBody(stderr string) (Executable, *int) {
	calls := new(int)
	return BodyFunc(func(context.Context, Params) (*ExitSignal, error) {
		*calls++
		return &ExitSignal{Code: 1, Stderr: stderr}, nil
	}), calls
}

func baseSpec(id string, body Executable) *OperationSpec {
	return &OperationSpec{
		ID:         id,
		Category:   "storage",
		Name:       "Create storage account",
		WorkType:   stores.WorkTypeCreate,
		MaxRetries: 3,
		Provenance: "test",
		Timeout:    time.Minute,
		Body:       body,
	}
}

func TestRunSuccessRecordsResource(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	body, calls := succeedingBody(`{"sku":"Standard_LRS"}`)
	spec := baseSpec("op-1", body)
	spec.Result = &ResourceTemplate{
		ResourceType: "storage-account",
		Name:         "stappdata",
		Namespace:    "rg-app",
		Location:     "westeurope",
	}
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.ErrorMessage)
	}
	if *calls != 1 {
		t.Errorf("expected one body invocation, got %d", *calls)
	}

	r, err := h.backend.GetResource(ctx, "rg-app", "storage-account", "stappdata")
	if err != nil {
		t.Fatalf("expected resource recorded: %v", err)
	}
	if !r.Managed {
		t.Error("expected resource marked managed")
	}
	if r.ProvisioningState != stores.ProvisioningSucceeded {
		t.Errorf("expected Succeeded, got %s", r.ProvisioningState)
	}
	if r.Snapshot != `{"sku":"Standard_LRS"}` {
		t.Errorf("expected body stdout as snapshot, got %s", r.Snapshot)
	}

	// Re-running a settled operation returns the outcome without invoking
	// the body again.
	if _, err := h.engine.Run(ctx, "op-1"); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if *calls != 1 {
		t.Errorf("re-run must not invoke the body, got %d calls", *calls)
	}
}

func TestRunBlocksOnUnsatisfiedDependency(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	h.seedResource(t, "app", stores.ProvisioningSucceeded)
	h.seedResource(t, "net", "Creating")
	if err := h.graph.AddEdge(ctx, "app", "net", stores.DependencyRequired, "vnet"); err != nil {
		t.Fatalf("add edge failed: %v", err)
	}

	body, calls := succeedingBody("{}")
	spec := baseSpec("op-1", body)
	target := "app"
	spec.ResourceID = &target
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusBlocked {
		t.Fatalf("expected blocked, got %s", res.Status)
	}
	if res.ErrorCode != ErrCodeDependencyUnsatisfied {
		t.Errorf("expected %s, got %s", ErrCodeDependencyUnsatisfied, res.ErrorCode)
	}
	if *calls != 0 {
		t.Errorf("blocked operation must never invoke its body, got %d calls", *calls)
	}

	op, err := h.engine.Status(ctx, "op-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if op.Status != stores.OperationStatusBlocked {
		t.Errorf("expected ledger row blocked, got %s", op.Status)
	}

	// Once the dependency succeeds, the same ID runs through.
	h.seedResource(t, "net", stores.ProvisioningSucceeded)
	res, err = h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if res.Status != stores.OperationStatusCompleted {
		t.Errorf("expected completed after dependency satisfied, got %s", res.Status)
	}
}

func TestTransientFailureRetriesUntilExhausted(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	body, calls := failingBody("Error: connection reset by peer")
	spec := baseSpec("op-1", body)
	spec.MaxRetries = 2
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.ErrorCode != ErrCodeBodyFailed {
		t.Errorf("expected %s, got %s", ErrCodeBodyFailed, res.ErrorCode)
	}
	// Initial attempt plus two retries; failed exactly when the counter
	// reached the budget.
	if *calls != 3 {
		t.Errorf("expected 3 body invocations, got %d", *calls)
	}
	if res.Retries != 2 {
		t.Errorf("expected retry count 2, got %d", res.Retries)
	}
}

func TestFatalFailureDoesNotRetry(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	body, calls := failingBody("ERROR: AuthorizationFailed: The client does not have permission")
	spec := baseSpec("op-1", body)
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if *calls != 1 {
		t.Errorf("fatal failure must not retry, got %d calls", *calls)
	}
}

func TestTimeoutEscalatesToFailed(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	body := BodyFunc(func(ctx context.Context, _ Params) (*ExitSignal, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	spec := baseSpec("op-1", body)
	spec.Timeout = 50 * time.Millisecond
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.ErrorCode != ErrCodeTimeout {
		t.Errorf("expected %s, got %s", ErrCodeTimeout, res.ErrorCode)
	}
}

func TestCancellationFailsWithoutResourceWrite(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	body := BodyFunc(func(ctx context.Context, _ Params) (*ExitSignal, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	spec := baseSpec("op-1", body)
	spec.Result = &ResourceTemplate{
		ResourceType: "storage-account",
		Name:         "stappdata",
		Namespace:    "rg-app",
	}
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.ErrorCode != ErrCodeCancelled {
		t.Errorf("expected %s, got %s", ErrCodeCancelled, res.ErrorCode)
	}

	// The cancelled operation must not have recorded its resource.
	if _, err := h.backend.GetResource(context.Background(), "rg-app", "storage-account", "stappdata"); err == nil {
		t.Error("cancelled operation must not write its resource")
	}
}

func TestInterruptedOperationResumesAtNextStep(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	// Simulate a prior run that died after step 2 of 5.
	if _, _, err := h.ledger.Begin(ctx, ledger.Definition{
		ID: "op-1", Category: "storage", Name: "Create", WorkType: stores.WorkTypeCreate,
		TotalSteps: 5, MaxRetries: 3,
	}); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := h.ledger.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := h.ledger.SetProgress(ctx, "op-1", 2, 5, "created account"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	resume := `{"account":"st-123"}`
	if err := h.ledger.Checkpoint(ctx, "op-1", &resume, nil); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	var gotStart, gotResume string
	body := BodyFunc(func(_ context.Context, params Params) (*ExitSignal, error) {
		gotStart = params["start_step"]
		gotResume = params["resume_data"]
		return &ExitSignal{Code: 0}, nil
	})
	spec := baseSpec("op-1", body)
	spec.TotalSteps = 5
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	if gotStart != "3" {
		t.Errorf("expected resume at step 3, got %q", gotStart)
	}
	if gotResume != resume {
		t.Errorf("expected resume data handed to body, got %q", gotResume)
	}
}

func TestRunBatchRespectsDependencyOrder(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	h.seedResource(t, "ra", stores.ProvisioningSucceeded)
	h.seedResource(t, "rb", stores.ProvisioningSucceeded)
	h.seedResource(t, "rc", stores.ProvisioningSucceeded)
	if err := h.graph.AddEdge(ctx, "rb", "ra", stores.DependencyRequired, ""); err != nil {
		t.Fatalf("add edge failed: %v", err)
	}

	var mu sync.Mutex
	times := make(map[string][2]time.Time)
	record := func(id string) Executable {
		return BodyFunc(func(context.Context, Params) (*ExitSignal, error) {
			start := time.Now()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			times[id] = [2]time.Time{start, time.Now()}
			mu.Unlock()
			return &ExitSignal{Code: 0}, nil
		})
	}

	for id, target := range map[string]string{"op-a": "ra", "op-b": "rb", "op-c": "rc"} {
		target := target
		spec := baseSpec(id, record(id))
		spec.ResourceID = &target
		h.addSpec(spec)
	}

	results, err := h.engine.RunBatch(ctx, []string{"op-a", "op-b", "op-c"})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != stores.OperationStatusCompleted {
			t.Errorf("operation %s: expected completed, got %s", r.OperationID, r.Status)
		}
	}

	// B must not start before A has finished; C is unordered.
	if times["op-b"][0].Before(times["op-a"][1]) {
		t.Errorf("op-b started %v before op-a finished %v", times["op-b"][0], times["op-a"][1])
	}
}

func TestRedriveCreatesLinkedAttempt(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	fail := true
	calls := 0
	body := BodyFunc(func(context.Context, Params) (*ExitSignal, error) {
		calls++
		if fail {
			return &ExitSignal{Code: 1, Stderr: "ERROR: AuthorizationFailed"}, nil
		}
		return &ExitSignal{Code: 0}, nil
	})
	h.addSpec(baseSpec("op-1", body))

	res, err := h.engine.Run(ctx, "op-1")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}

	fail = false
	res, err = h.engine.Redrive(ctx, "op-1")
	if err != nil {
		t.Fatalf("redrive failed: %v", err)
	}
	if res.Status != stores.OperationStatusCompleted {
		t.Fatalf("expected re-driven attempt completed, got %s", res.Status)
	}
	if res.OperationID != "op-1.retry-1" {
		t.Errorf("expected derived attempt ID, got %s", res.OperationID)
	}

	child, err := h.engine.Status(ctx, "op-1.retry-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != "op-1" {
		t.Errorf("expected child linked to op-1, got %v", child.ParentID)
	}

	// The original's budget shrank; once exhausted it is no longer a
	// re-drive candidate.
	orig, err := h.engine.Status(ctx, "op-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if orig.RetryCount != 1 {
		t.Errorf("expected original retry count 1, got %d", orig.RetryCount)
	}
}

func TestResumeDrivesOutstandingWork(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	bodyA, callsA := succeedingBody("{}")
	bodyB, callsB := succeedingBody("{}")
	h.addSpec(baseSpec("op-a", bodyA))
	h.addSpec(baseSpec("op-b", bodyB))

	// op-a sits pending from a prior interrupted session.
	if _, _, err := h.ledger.Begin(ctx, ledger.Definition{
		ID: "op-a", Category: "storage", Name: "Create", WorkType: stores.WorkTypeCreate, MaxRetries: 3,
	}); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	// op-b was interrupted mid-run.
	if _, _, err := h.ledger.Begin(ctx, ledger.Definition{
		ID: "op-b", Category: "storage", Name: "Create", WorkType: stores.WorkTypeCreate, MaxRetries: 3,
	}); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := h.ledger.Start(ctx, "op-b"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	results, err := h.engine.Resume(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != stores.OperationStatusCompleted {
			t.Errorf("operation %s: expected completed, got %s", r.OperationID, r.Status)
		}
	}
	if *callsA != 1 || *callsB != 1 {
		t.Errorf("expected each body driven once, got a=%d b=%d", *callsA, *callsB)
	}
}

func TestDeleteSuccessRemovesTargetFromGating(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	h.seedResource(t, "rd", stores.ProvisioningSucceeded)
	h.seedResource(t, "rdep", "Creating")
	if err := h.graph.AddEdge(ctx, "rdep", "rd", stores.DependencyRequired, ""); err != nil {
		t.Fatalf("add edge failed: %v", err)
	}

	body, calls := succeedingBody("")
	spec := baseSpec("op-del", body)
	spec.WorkType = stores.WorkTypeDelete
	rid := "rd"
	spec.ResourceID = &rid
	h.addSpec(spec)

	res, err := h.engine.Run(ctx, "op-del")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Status != stores.OperationStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.ErrorMessage)
	}
	if *calls != 1 {
		t.Fatalf("expected one body invocation, got %d", *calls)
	}

	// The target is soft-deleted, not re-recorded as an active resource.
	r, err := h.backend.GetResourceByID(ctx, "rd")
	if err != nil {
		t.Fatalf("audit lookup failed: %v", err)
	}
	if r.DeletedAt == nil {
		t.Error("expected the deleted target to carry a delete timestamp")
	}
	if _, err := h.backend.GetResource(ctx, "rg-app", "storage-account", "rd"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected active lookup to report not found, got %v", err)
	}

	// Dependents must no longer see their required edge as satisfied.
	ok, unmet, err := h.graph.IsSatisfied(ctx, "rdep")
	if err != nil {
		t.Fatalf("satisfaction check failed: %v", err)
	}
	if ok {
		t.Fatal("expected the dependent's gate to fail after the deletion")
	}
	if len(unmet) != 1 || !strings.Contains(unmet[0].Reason, "deleted") {
		t.Errorf("expected the deletion reported as the unmet reason, got %v", unmet)
	}
}

type unavailableSource struct{}

func (unavailableSource) Resolve(context.Context, string) (*OperationSpec, error) {
	return nil, fmt.Errorf("health check failed: %w", stores.ErrUnavailable)
}

func TestStoreUnavailableSurfacesTaxonomyCode(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	h.engine.source = unavailableSource{}

	_, err := h.engine.Run(context.Background(), "op-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected an operation error, got %T: %v", err, err)
	}
	if opErr.Code != ErrCodeStoreUnavailable {
		t.Errorf("expected code %s, got %s", ErrCodeStoreUnavailable, opErr.Code)
	}
	if !IsFatal(err) {
		t.Error("store unavailability must not be retried")
	}
}

func TestRunCheckpointsResolvedParams(t *testing.T) {
	h := setupHarness(t, DefaultConfig())
	ctx := context.Background()

	body, _ := succeedingBody("")
	spec := baseSpec("op-cp", body)
	spec.Params = Params{"name": "stappdata", "resource_group": "rg-app"}
	h.addSpec(spec)

	if _, err := h.engine.Run(ctx, "op-cp"); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	op, err := h.ledger.Get(ctx, "op-cp")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if op.CheckpointData == nil {
		t.Fatal("expected the resolved inputs checkpointed on the row")
	}
	var cp map[string]string
	if err := json.Unmarshal([]byte(*op.CheckpointData), &cp); err != nil {
		t.Fatalf("checkpoint is not valid JSON: %v", err)
	}
	if cp["name"] != "stappdata" || cp["resource_group"] != "rg-app" {
		t.Errorf("unexpected checkpoint contents: %v", cp)
	}
}
