package playbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

// DefaultMaxRetries applies to operations, which declare no retry budget of
// their own.
const DefaultMaxRetries = 3

// Source adapts loaded definitions into runnable engine specs. It is the
// production implementation of the engine's operation source.
type Source struct {
	set      *Set
	resolver *Resolver
	backend  stores.Store
}

// NewSource creates a Source over a loaded set.
func NewSource(set *Set, resolver *Resolver, backend stores.Store) *Source {
	return &Source{set: set, resolver: resolver, backend: backend}
}

// Set returns the underlying definition set.
func (s *Source) Set() *Set {
	return s.set
}

// Resolve turns a definition into a runnable spec: parameters resolved,
// tokens substituted, checks and rollback wrapped around the body, and the
// target resource looked up for dependency gating.
func (s *Source) Resolve(ctx context.Context, id string) (*engine.OperationSpec, error) {
	def, ok := s.set.Get(id)
	if !ok {
		return nil, fmt.Errorf("operation %s is not defined in the loaded playbooks", id)
	}

	params, err := s.resolver.Resolve(ctx, def)
	if err != nil {
		return nil, err
	}

	body, steps, err := s.buildBody(def, params)
	if err != nil {
		return nil, err
	}

	spec := &engine.OperationSpec{
		ID:         def.ID,
		Category:   def.Capability,
		Name:       def.Name,
		WorkType:   def.WorkType(),
		TotalSteps: steps,
		MaxRetries: DefaultMaxRetries,
		Provenance: fmt.Sprintf("playbook:%s", def.SourceFile),
		Timeout:    def.Duration.TimeoutDuration(),
		Params:     params,
		Body:       body,
	}

	name, namespace := params["name"], params["resource_group"]
	if name != "" && namespace != "" {
		// Delete work removes its target instead of yielding a resource;
		// the engine soft-deletes the gating resource on success.
		if def.Mutating() && def.WorkType() != stores.WorkTypeDelete {
			spec.Result = &engine.ResourceTemplate{
				ResourceType: def.ResourceType,
				Name:         name,
				Namespace:    namespace,
				Location:     params["location"],
			}
		}
		// An already-known target gates on its dependency edges.
		r, err := s.backend.GetResourceAny(ctx, namespace, def.ResourceType, name)
		switch {
		case err == nil:
			spec.ResourceID = &r.ID
		case errors.Is(err, stores.ErrNotFound):
		default:
			return nil, fmt.Errorf("failed to look up target resource for %s: %w", id, err)
		}
	}

	return spec, nil
}

// buildBody substitutes the command templates and wraps the main body with
// pre checks, post checks and rollback.
func (s *Source) buildBody(def *Definition, params engine.Params) (engine.Executable, int, error) {
	main, err := s.script(def, def.Template.Command, params)
	if err != nil {
		return nil, 0, fmt.Errorf("template of %s: %w", def.ID, err)
	}

	body := &checkedBody{id: def.ID, main: main}
	for _, c := range def.Validation.PreChecks {
		sc, err := s.script(def, c.Command, params)
		if err != nil {
			return nil, 0, fmt.Errorf("pre check %q of %s: %w", c.Name, def.ID, err)
		}
		body.pre = append(body.pre, namedScript{name: c.Name, script: sc})
	}
	for _, c := range def.Validation.PostChecks {
		sc, err := s.script(def, c.Command, params)
		if err != nil {
			return nil, 0, fmt.Errorf("post check %q of %s: %w", c.Name, def.ID, err)
		}
		body.post = append(body.post, namedScript{name: c.Name, script: sc})
	}
	if def.Rollback.Enabled {
		for _, step := range def.Rollback.Steps {
			sc, err := s.script(def, step.Command, params)
			if err != nil {
				return nil, 0, fmt.Errorf("rollback step %q of %s: %w", step.Name, def.ID, err)
			}
			body.rollback = append(body.rollback, namedScript{name: step.Name, script: sc})
		}
	}

	steps := len(body.pre) + 1 + len(body.post)
	return body, steps, nil
}

func (s *Source) script(def *Definition, command string, params engine.Params) (*engine.Script, error) {
	resolved, err := Substitute(command, params)
	if err != nil {
		return nil, err
	}
	return &engine.Script{Kind: def.ShellKind(), Source: resolved}, nil
}

type namedScript struct {
	name   string
	script *engine.Script
}

// checkedBody runs pre checks, the main body, then post checks, stopping at
// the first failure. When the main body or a post check fails and rollback
// steps exist, they run best effort before the failure is reported.
type checkedBody struct {
	id       string
	pre      []namedScript
	main     engine.Executable
	post     []namedScript
	rollback []namedScript
}

// Run drives the full sequence.
func (b *checkedBody) Run(ctx context.Context, params engine.Params) (*engine.ExitSignal, error) {
	for _, c := range b.pre {
		signal, err := c.script.Run(ctx, params)
		if err != nil {
			return signal, err
		}
		if !signal.Success() {
			signal.Stderr = fmt.Sprintf("pre check %q failed: %s", c.name, signal.Stderr)
			return signal, nil
		}
	}

	signal, err := b.main.Run(ctx, params)
	if err != nil || !signal.Success() {
		b.runRollback(ctx, params)
		return signal, err
	}

	for _, c := range b.post {
		check, cerr := c.script.Run(ctx, params)
		if cerr != nil {
			return check, cerr
		}
		if !check.Success() {
			check.Stderr = fmt.Sprintf("post check %q failed: %s", c.name, check.Stderr)
			b.runRollback(ctx, params)
			return check, nil
		}
	}

	return signal, nil
}

func (b *checkedBody) runRollback(ctx context.Context, params engine.Params) {
	for _, step := range b.rollback {
		signal, err := step.script.Run(ctx, params)
		if err != nil || !signal.Success() {
			log.Warn().
				Str("component", "playbook").
				Str("operation_id", b.id).
				Str("step", step.name).
				Msg("Rollback step failed")
		}
	}
}

// Describe returns the main body's display form.
func (b *checkedBody) Describe() string {
	return b.main.Describe()
}
