package playbook

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// DiscoverFunc looks a parameter value up in discovered remote state. It
// returns ok=false when the state holds no value for the name.
type DiscoverFunc func(ctx context.Context, name string) (value string, ok bool, err error)

// PromptFunc asks the operator for a value interactively.
type PromptFunc func(name, description string) (string, error)

// Resolver produces the immutable parameter map an operation body runs
// with. A value is taken from the first source that supplies it:
// explicit override, discovered remote state, the parameter's documented
// default, the static values file, then the interactive prompt.
type Resolver struct {
	Overrides map[string]string
	Discover  DiscoverFunc
	Static    map[string]string
	Prompt    PromptFunc
}

// LoadValues reads a static values file (flat YAML key/value map).
func LoadValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read values file: %w", err)
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse values file %s: %w", path, err)
	}
	return values, nil
}

// Resolve builds the parameter map for one definition. Every required
// parameter must resolve; optional parameters are included when some source
// supplies them and skipped otherwise.
func (r *Resolver) Resolve(ctx context.Context, def *Definition) (engine.Params, error) {
	params := make(engine.Params)

	for _, p := range def.Parameters.Required {
		v, ok, err := r.lookup(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parameter %s for %s: %w", p.Name, def.ID, err)
		}
		if !ok {
			return nil, fmt.Errorf("required parameter %s for %s has no value from any source", p.Name, def.ID)
		}
		params[p.Name] = v
	}
	for _, p := range def.Parameters.Optional {
		v, ok, err := r.lookup(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parameter %s for %s: %w", p.Name, def.ID, err)
		}
		if ok {
			params[p.Name] = v
		}
	}
	return params, nil
}

func (r *Resolver) lookup(ctx context.Context, p Parameter) (string, bool, error) {
	if v, ok := r.Overrides[p.Name]; ok {
		return v, true, nil
	}
	if r.Discover != nil {
		v, ok, err := r.Discover(ctx, p.Name)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	if p.Default != "" {
		return p.Default, true, nil
	}
	if v, ok := r.Static[p.Name]; ok {
		return v, true, nil
	}
	if r.Prompt != nil {
		v, err := r.Prompt(p.Name, p.Description)
		if err != nil {
			return "", false, err
		}
		return v, true, nil
	}
	return "", false, nil
}
