package graph

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

func setupTestGraph(t *testing.T) (*Graph, *stores.SQLiteStore) {
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

	return New(backend), backend
}

func seedResource(t *testing.T, backend *stores.SQLiteStore, id, state string) {
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
	if err := backend.UpsertResource(context.Background(), r); err != nil {
		t.Fatalf("failed to seed resource %s: %v", id, err)
	}
}

func TestAddEdgeIsIdempotent(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	seedResource(t, backend, "a", stores.ProvisioningSucceeded)
	seedResource(t, backend, "b", stores.ProvisioningSucceeded)

	for i := 0; i < 3; i++ {
		if err := g.AddEdge(ctx, "a", "b", stores.DependencyRequired, "vnet"); err != nil {
			t.Fatalf("add edge failed: %v", err)
		}
	}

	deps, err := g.DependenciesOf(ctx, "a")
	if err != nil {
		t.Fatalf("failed to list dependencies: %v", err)
	}
	if len(deps) != 1 {
		t.Errorf("expected one edge after repeated adds, got %d", len(deps))
	}
}

func TestAddEdgeRejectsSelfEdge(t *testing.T) {
	g, _ := setupTestGraph(t)

	if err := g.AddEdge(context.Background(), "a", "a", stores.DependencyRequired, ""); err == nil {
		t.Error("expected self edge to be rejected")
	}
}

func TestIsSatisfied(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	seedResource(t, backend, "app", stores.ProvisioningSucceeded)
	seedResource(t, backend, "net", stores.ProvisioningSucceeded)
	seedResource(t, backend, "db", "Creating")
	seedResource(t, backend, "old", stores.ProvisioningSucceeded)
	if err := backend.SoftDeleteResource(ctx, "old", 2000); err != nil {
		t.Fatalf("failed to soft delete: %v", err)
	}

	tests := []struct {
		name      string
		dependsOn string
		kind      stores.DependencyKind
		want      bool
		reason    string
	}{
		{"required succeeded", "net", stores.DependencyRequired, true, ""},
		{"required still provisioning", "db", stores.DependencyRequired, false, `provisioning state is "Creating"`},
		{"required deleted", "old", stores.DependencyRequired, false, "resource deleted"},
		{"optional not satisfied never blocks", "db", stores.DependencyOptional, true, ""},
		{"reference never blocks", "db", stores.DependencyReference, true, ""},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Fresh dependent per case so edges do not accumulate.
			id := fmt.Sprintf("app-%d", i)
			seedResource(t, backend, id, stores.ProvisioningSucceeded)
			if err := g.AddEdge(ctx, id, tt.dependsOn, tt.kind, ""); err != nil {
				t.Fatalf("add edge failed: %v", err)
			}

			ok, unmet, err := g.IsSatisfied(ctx, id)
			if err != nil {
				t.Fatalf("satisfaction check failed: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("expected satisfied=%v, got %v (unmet: %v)", tt.want, ok, unmet)
			}
			if !tt.want {
				if len(unmet) != 1 {
					t.Fatalf("expected one unmet edge, got %d", len(unmet))
				}
				if unmet[0].Reason != tt.reason {
					t.Errorf("expected reason %q, got %q", tt.reason, unmet[0].Reason)
				}
			}
		})
	}
}

func TestClosureToleratesCycles(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		seedResource(t, backend, id, stores.ProvisioningSucceeded)
	}
	// a -> b -> c -> a
	mustAddEdge(t, g, "a", "b")
	mustAddEdge(t, g, "b", "c")
	mustAddEdge(t, g, "c", "a")

	got, err := g.Closure(ctx, "a", 0)
	if err != nil {
		t.Fatalf("closure failed: %v", err)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected closure [b c], got %v", got)
	}
}

func TestClosureBoundedDepth(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	// Chain n0 -> n1 -> ... -> n5.
	for i := 0; i <= 5; i++ {
		seedResource(t, backend, fmt.Sprintf("n%d", i), stores.ProvisioningSucceeded)
	}
	for i := 0; i < 5; i++ {
		mustAddEdge(t, g, fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i+1))
	}

	got, err := g.Closure(ctx, "n0", 2)
	if err != nil {
		t.Fatalf("closure failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected depth-limited closure of 2 nodes, got %v", got)
	}
}

func TestLevelsOrdersBatch(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		seedResource(t, backend, id, stores.ProvisioningSucceeded)
	}
	// b waits for a, d waits for b, c is independent.
	mustAddEdge(t, g, "b", "a")
	mustAddEdge(t, g, "d", "b")

	levels, err := g.Levels(ctx, []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("levels failed: %v", err)
	}

	want := [][]string{{"a", "c"}, {"b"}, {"d"}}
	assertLevels(t, levels, want)
}

func TestLevelsIgnoresEdgesOutsideBatch(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		seedResource(t, backend, id, stores.ProvisioningSucceeded)
	}
	seedResource(t, backend, "external", stores.ProvisioningSucceeded)
	mustAddEdge(t, g, "a", "external")
	mustAddEdge(t, g, "b", "a")

	levels, err := g.Levels(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("levels failed: %v", err)
	}
	assertLevels(t, levels, [][]string{{"a"}, {"b"}})
}

func TestLevelsSchedulesCycleRemnantLast(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		seedResource(t, backend, id, stores.ProvisioningSucceeded)
	}
	// a and b form a cycle, c is free.
	mustAddEdge(t, g, "a", "b")
	mustAddEdge(t, g, "b", "a")

	levels, err := g.Levels(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("levels failed: %v", err)
	}
	assertLevels(t, levels, [][]string{{"c"}, {"a", "b"}})
}

func TestToDOT(t *testing.T) {
	g, backend := setupTestGraph(t)
	ctx := context.Background()

	seedResource(t, backend, "a", stores.ProvisioningSucceeded)
	seedResource(t, backend, "b", stores.ProvisioningSucceeded)
	mustAddEdge(t, g, "a", "b")

	dot, err := g.ToDOT(ctx)
	if err != nil {
		t.Fatalf("dot rendering failed: %v", err)
	}
	if !strings.Contains(dot, `"a" -> "b"`) {
		t.Errorf("expected edge in DOT output:\n%s", dot)
	}
	if !strings.Contains(dot, "digraph DependencyGraph") {
		t.Errorf("expected digraph header in DOT output:\n%s", dot)
	}
}

func mustAddEdge(t *testing.T, g *Graph, from, to string) {
	t.Helper()
	if err := g.AddEdge(context.Background(), from, to, stores.DependencyRequired, ""); err != nil {
		t.Fatalf("add edge %s -> %s failed: %v", from, to, err)
	}
}

func assertLevels(t *testing.T, got, want [][]string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d levels, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("level %d: expected %v, got %v", i, want[i], got[i])
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("level %d: expected %v, got %v", i, want[i], got[i])
			}
		}
	}
}
