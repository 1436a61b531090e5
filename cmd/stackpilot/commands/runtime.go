package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/graph"
	"github.com/stackpilot/stackpilot/pkg/ledger"
	"github.com/stackpilot/stackpilot/pkg/playbook"
	"github.com/stackpilot/stackpilot/pkg/resources"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

// runtime bundles the wired-up subsystems a command needs. Close releases
// the database handle.
type runtime struct {
	backend  *stores.SQLiteStore
	res      *resources.Store
	graph    *graph.Graph
	ledger   *ledger.Ledger
	playbook *playbook.Set
	engine   *engine.Engine
}

func (r *runtime) Close() error {
	return r.backend.Close()
}

// openBackend opens and migrates the state database without touching the
// playbook directory. Read-only commands use this.
func openBackend(ctx context.Context) (*stores.SQLiteStore, error) {
	backend, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := backend.Init(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := backend.Migrate(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	if err := backend.HealthCheck(ctx); err != nil {
		backend.Close()
		return nil, err
	}

	// Expired query snapshots are dead weight; sweep them at startup.
	if purged, err := backend.PurgeExpiredCache(ctx, time.Now().Unix()); err != nil {
		log.Warn().Err(err).Msg("Failed to purge expired cache entries")
	} else if purged > 0 {
		log.Debug().Int64("purged", purged).Msg("Purged expired cache entries")
	}
	return backend, nil
}

// buildRuntime wires the full execution stack: store, playbook set,
// parameter resolver, graph, ledger and engine.
func buildRuntime(ctx context.Context, overrides map[string]string, cfg engine.Config, opts ...engine.Option) (*runtime, error) {
	backend, err := openBackend(ctx)
	if err != nil {
		return nil, err
	}

	set, err := playbook.Load(playbookDir)
	if err != nil {
		backend.Close()
		return nil, err
	}

	resolver := &playbook.Resolver{
		Overrides: overrides,
		Discover:  playbook.DiscoverFromStore(backend),
		Prompt:    promptValue,
	}
	if valuesPath != "" {
		static, err := playbook.LoadValues(valuesPath)
		if err != nil {
			backend.Close()
			return nil, err
		}
		resolver.Static = static
	}

	res := resources.NewStore(backend)
	g := graph.New(backend)
	l := ledger.New(backend)
	source := playbook.NewSource(set, resolver, backend)

	return &runtime{
		backend:  backend,
		res:      res,
		graph:    g,
		ledger:   l,
		playbook: set,
		engine:   engine.New(cfg, source, res, g, l, opts...),
	}, nil
}

// promptValue asks the user for a parameter on stderr and reads one line
// from stdin. With --json output the process is assumed non-interactive.
func promptValue(name, description string) (string, error) {
	if jsonOutput {
		return "", fmt.Errorf("parameter %s has no value and prompting is disabled", name)
	}
	fmt.Fprintf(os.Stderr, "%s (%s): ", name, description)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read value for %s: %w", name, err)
	}
	return strings.TrimSpace(line), nil
}

// parseOverrides turns repeated --set key=value flags into a map.
func parseOverrides(pairs []string) (map[string]string, error) {
	overrides := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --set value %q, expected key=value", pair)
		}
		overrides[k] = v
	}
	return overrides, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
