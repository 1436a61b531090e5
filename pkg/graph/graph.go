// Package graph maintains the resource dependency graph and derives
// execution ordering from it. Edges live in the persistence layer so the
// graph survives restarts together with the resources it connects.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

// DefaultClosureDepth caps transitive expansion. Deep chains beyond this are
// almost always a modeling mistake, and the cap keeps traversal bounded on
// graphs that contain cycles.
const DefaultClosureDepth = 10

// UnmetEdge describes a required dependency that blocks execution.
type UnmetEdge struct {
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
	Reason       string `json:"reason"`
}

func (u UnmetEdge) String() string {
	if u.Relationship != "" {
		return fmt.Sprintf("%s (%s): %s", u.DependsOnID, u.Relationship, u.Reason)
	}
	return fmt.Sprintf("%s: %s", u.DependsOnID, u.Reason)
}

// Graph answers dependency questions against the persisted edge set.
type Graph struct {
	backend stores.Store
	now     func() time.Time
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock substitutes the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// New creates a Graph over the given persistence backend.
func New(backend stores.Store, opts ...Option) *Graph {
	g := &Graph{
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AddEdge records that resourceID depends on dependsOnID. Repeating an edge
// is an upsert that refreshes its validation timestamp. Cycles are not
// rejected here; traversal and ordering tolerate them instead.
func (g *Graph) AddEdge(ctx context.Context, resourceID, dependsOnID string, kind stores.DependencyKind, relationship string) error {
	if resourceID == "" || dependsOnID == "" {
		return fmt.Errorf("edge endpoints must be non-empty")
	}
	if resourceID == dependsOnID {
		return fmt.Errorf("resource %s cannot depend on itself", resourceID)
	}

	now := g.now().Unix()
	d := &stores.Dependency{
		ResourceID:   resourceID,
		DependsOnID:  dependsOnID,
		Kind:         kind,
		Relationship: relationship,
		ValidatedAt:  now,
		CreatedAt:    now,
	}
	if err := g.backend.UpsertDependency(ctx, d); err != nil {
		return fmt.Errorf("failed to add edge %s -> %s: %w", resourceID, dependsOnID, err)
	}

	log.Debug().
		Str("component", "graph").
		Str("resource_id", resourceID).
		Str("depends_on", dependsOnID).
		Str("kind", string(kind)).
		Msg("Dependency edge recorded")
	return nil
}

// DependenciesOf returns the immediate edges out of resourceID.
func (g *Graph) DependenciesOf(ctx context.Context, resourceID string) ([]*stores.Dependency, error) {
	return g.backend.DependenciesOf(ctx, resourceID)
}

// DependentsOf returns the immediate edges into resourceID.
func (g *Graph) DependentsOf(ctx context.Context, resourceID string) ([]*stores.Dependency, error) {
	return g.backend.DependentsOf(ctx, resourceID)
}

// IsSatisfied reports whether every required dependency of resourceID points
// at a live resource whose remote provisioning finished successfully. The
// returned unmet list names each blocking edge so callers can record why an
// operation was blocked. Optional and reference edges never block.
func (g *Graph) IsSatisfied(ctx context.Context, resourceID string) (bool, []UnmetEdge, error) {
	deps, err := g.backend.DependenciesOf(ctx, resourceID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load dependencies of %s: %w", resourceID, err)
	}

	var unmet []UnmetEdge
	for _, d := range deps {
		if d.Kind != stores.DependencyRequired {
			continue
		}

		target, err := g.backend.GetResourceByID(ctx, d.DependsOnID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				unmet = append(unmet, UnmetEdge{
					DependsOnID:  d.DependsOnID,
					Relationship: d.Relationship,
					Reason:       "resource not found",
				})
				continue
			}
			return false, nil, fmt.Errorf("failed to resolve dependency %s: %w", d.DependsOnID, err)
		}

		switch {
		case target.DeletedAt != nil:
			unmet = append(unmet, UnmetEdge{
				DependsOnID:  d.DependsOnID,
				Relationship: d.Relationship,
				Reason:       "resource deleted",
			})
		case target.ProvisioningState != stores.ProvisioningSucceeded:
			unmet = append(unmet, UnmetEdge{
				DependsOnID:  d.DependsOnID,
				Relationship: d.Relationship,
				Reason:       fmt.Sprintf("provisioning state is %q", target.ProvisioningState),
			})
		}
	}

	return len(unmet) == 0, unmet, nil
}

// FormatUnmet renders unmet edges as a single blocked-reason string.
func FormatUnmet(unmet []UnmetEdge) string {
	parts := make([]string, 0, len(unmet))
	for _, u := range unmet {
		parts = append(parts, u.String())
	}
	return "unsatisfied dependencies: " + strings.Join(parts, "; ")
}

// Closure returns the transitive dependency IDs of resourceID in breadth
// first order, excluding resourceID itself. Expansion stops at depth levels
// (DefaultClosureDepth when depth <= 0). Cycles terminate via the visited
// set rather than erroring.
func (g *Graph) Closure(ctx context.Context, resourceID string, depth int) ([]string, error) {
	if depth <= 0 || depth > DefaultClosureDepth {
		depth = DefaultClosureDepth
	}

	visited := map[string]bool{resourceID: true}
	result := make([]string, 0)
	frontier := []string{resourceID}

	for level := 0; level < depth && len(frontier) > 0; level++ {
		next := make([]string, 0)
		for _, id := range frontier {
			deps, err := g.backend.DependenciesOf(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to expand closure at %s: %w", id, err)
			}
			for _, d := range deps {
				if visited[d.DependsOnID] {
					continue
				}
				visited[d.DependsOnID] = true
				result = append(result, d.DependsOnID)
				next = append(next, d.DependsOnID)
			}
		}
		frontier = next
	}

	return result, nil
}

// Levels computes Kahn topological levels over the subgraph induced by ids.
// Resources in the same level share no edges among themselves and may run in
// parallel. Edges pointing outside ids are ignored. Nodes that survive
// Kahn's algorithm (a cycle remnant) are not an error; they are appended as
// one final level so the batch still runs, serialized after everything with
// a resolvable order.
func (g *Graph) Levels(ctx context.Context, ids []string) ([][]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	member := make(map[string]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}

	// dependents[a] lists members that must wait for a.
	dependents := make(map[string][]string, len(ids))
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}

	for _, id := range ids {
		deps, err := g.backend.DependenciesOf(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load edges for %s: %w", id, err)
		}
		for _, d := range deps {
			if !member[d.DependsOnID] || d.DependsOnID == id {
				continue
			}
			dependents[d.DependsOnID] = append(dependents[d.DependsOnID], id)
			inDegree[id]++
		}
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}
	sort.Strings(currentLevel)

	levels := make([][]string, 0)
	processed := make(map[string]bool, len(ids))

	for len(currentLevel) > 0 {
		levels = append(levels, currentLevel)
		for _, id := range currentLevel {
			processed[id] = true
		}

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					nextLevel = append(nextLevel, dep)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	// Cycle remnant: schedule the leftovers last instead of failing.
	remnant := make([]string, 0)
	for _, id := range ids {
		if !processed[id] {
			remnant = append(remnant, id)
		}
	}
	if len(remnant) > 0 {
		sort.Strings(remnant)
		log.Warn().
			Str("component", "graph").
			Strs("resources", remnant).
			Msg("Dependency cycle in batch, scheduling remnant as final level")
		levels = append(levels, remnant)
	}

	return levels, nil
}

// ToDOT renders the full persisted graph in Graphviz DOT format.
func (g *Graph) ToDOT(ctx context.Context) (string, error) {
	edges, err := g.backend.ListDependencies(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list dependencies: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	seen := make(map[string]bool)
	for _, e := range edges {
		for _, id := range []string{e.ResourceID, e.DependsOnID} {
			if seen[id] {
				continue
			}
			seen[id] = true
			sb.WriteString(fmt.Sprintf("  %q [label=%q];\n", id, g.nodeLabel(ctx, id)))
		}
	}
	sb.WriteString("\n")

	for _, e := range edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.ResourceID, e.DependsOnID, edgeStyle(e.Kind)))
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

func (g *Graph) nodeLabel(ctx context.Context, id string) string {
	r, err := g.backend.GetResourceByID(ctx, id)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%s\\n%s/%s", r.ResourceType, r.Namespace, r.Name)
}

func edgeStyle(kind stores.DependencyKind) string {
	switch kind {
	case stores.DependencyRequired:
		return "style=solid, color=black"
	case stores.DependencyOptional:
		return "style=dashed, color=blue"
	case stores.DependencyReference:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
