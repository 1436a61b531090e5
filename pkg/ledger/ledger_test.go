package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestLedger(t *testing.T) (*Ledger, *fakeClock) {
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

	clock := &fakeClock{now: time.Unix(1000, 0)}
	return New(backend, WithClock(clock.Now)), clock
}

func testDefinition(id string) Definition {
	return Definition{
		ID:         id,
		Category:   "storage",
		Name:       "Create storage account",
		WorkType:   stores.WorkTypeCreate,
		TotalSteps: 3,
		MaxRetries: 3,
		Provenance: "playbook:storage/create-account",
	}
}

func TestBeginCreatesThenResumes(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	op, resumed, err := l.Begin(ctx, testDefinition("op-1"))
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if resumed {
		t.Error("first begin must not be a resume")
	}
	if op.Status != stores.OperationStatusPending {
		t.Errorf("expected pending, got %s", op.Status)
	}

	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := l.SetProgress(ctx, "op-1", 2, 3, "configured network rules"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	// Re-invoking the same ID picks up the row where it left off.
	op, resumed, err = l.Begin(ctx, testDefinition("op-1"))
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if !resumed {
		t.Error("second begin must resume")
	}
	if op.CurrentStep != 2 || op.Status != stores.OperationStatusRunning {
		t.Errorf("expected resumed row at step 2 running, got step %d %s", op.CurrentStep, op.Status)
	}
}

func TestProgressAutoCompletes(t *testing.T) {
	l, clock := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(40 * time.Second)
	op, err := l.SetProgress(ctx, "op-1", 3, 3, "verified provisioning state")
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if op.Status != stores.OperationStatusCompleted {
		t.Errorf("expected auto-completion at final step, got %s", op.Status)
	}
	if op.DurationSecs == nil || *op.DurationSecs != 40 {
		t.Errorf("expected duration 40, got %v", op.DurationSecs)
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	// pending -> completed is not a legal move.
	if _, err := l.Complete(ctx, "op-1"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	op, err := l.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if op.Status != stores.OperationStatusPending {
		t.Errorf("rejected transition must not change the row, got %s", op.Status)
	}

	// Terminal states have no outgoing edges.
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := l.Fail(ctx, "op-1", "quota exceeded", "BODY_FAILED"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if _, err := l.Start(ctx, "op-1"); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected failed to be terminal, got %v", err)
	}
}

func TestRequeuePreservesOriginalStart(t *testing.T) {
	l, clock := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	clock.Advance(30 * time.Second)
	op, err := l.Requeue(ctx, "op-1")
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if op.Status != stores.OperationStatusPending || op.RetryCount != 1 {
		t.Errorf("expected pending with retry 1, got %s retry %d", op.Status, op.RetryCount)
	}

	clock.Advance(30 * time.Second)
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	clock.Advance(40 * time.Second)
	op, err = l.Fail(ctx, "op-1", "auth token expired", "BODY_FAILED")
	if err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	// Duration is measured from the first start, not the retry.
	if op.StartedAt == nil || *op.StartedAt != 1000 {
		t.Errorf("expected original started_at 1000, got %v", op.StartedAt)
	}
	if op.DurationSecs == nil || *op.DurationSecs != 100 {
		t.Errorf("expected duration 100, got %v", op.DurationSecs)
	}
}

func TestRequeueStopsAtMaxRetries(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	def := testDefinition("op-1")
	def.MaxRetries = 1
	if _, _, err := l.Begin(ctx, def); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := l.Requeue(ctx, "op-1"); err != nil {
		t.Fatalf("first requeue failed: %v", err)
	}
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if _, err := l.Requeue(ctx, "op-1"); err == nil {
		t.Error("expected requeue beyond max retries to fail")
	}
}

func TestBlockRecordsReason(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	op, err := l.Block(ctx, "op-1", "unsatisfied dependencies: vnet-prod: resource not found")
	if err != nil {
		t.Fatalf("block failed: %v", err)
	}
	if op.Status != stores.OperationStatusBlocked {
		t.Fatalf("expected blocked, got %s", op.Status)
	}
	if op.ErrorMessage == nil || *op.ErrorMessage == "" {
		t.Error("expected blocked reason on the row")
	}

	// A blocked operation can start once its dependencies appear.
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Errorf("blocked -> running should be legal: %v", err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	resume := `{"step":2}`
	state := `{"account_id":"st-123"}`
	if err := l.Checkpoint(ctx, "op-1", &resume, &state); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	op, err := l.Get(ctx, "op-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if op.ResumeData == nil || *op.ResumeData != resume {
		t.Errorf("expected resume data %q, got %v", resume, op.ResumeData)
	}
	if op.CheckpointData == nil || *op.CheckpointData != state {
		t.Errorf("expected checkpoint data %q, got %v", state, op.CheckpointData)
	}
}

func TestEveryTransitionLeavesLogLine(t *testing.T) {
	l, _ := setupTestLedger(t)
	ctx := context.Background()

	if _, _, err := l.Begin(ctx, testDefinition("op-1")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := l.Start(ctx, "op-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := l.Fail(ctx, "op-1", "name already in use", "BODY_FAILED"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	logs, err := l.Logs(ctx, "op-1", 100, 0)
	if err != nil {
		t.Fatalf("logs failed: %v", err)
	}
	// created, started, failed.
	if len(logs) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(logs))
	}
	if logs[2].Level != stores.LogLevelError {
		t.Errorf("expected error level on failure line, got %s", logs[2].Level)
	}
}
