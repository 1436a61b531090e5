package playbook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Set is a loaded collection of operation definitions keyed by ID.
type Set struct {
	ops   map[string]*Definition
	order []string
}

// Load parses every operation file under dir. The expected layout is
// <capability>/operations/*.yaml. Schema problems are collected across all
// files and reported together, so one broken file does not hide the rest.
func Load(dir string) (*Set, error) {
	pattern := filepath.Join(dir, "*", "operations", "*.yaml")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no operation files found under %s", dir)
	}
	sort.Strings(files)

	v := validator.New()
	set := &Set{ops: make(map[string]*Definition, len(files))}
	var errs []error

	for _, path := range files {
		def, err := loadOne(v, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if prev, exists := set.ops[def.ID]; exists {
			errs = append(errs, fmt.Errorf("%s: duplicate operation ID %s (first defined in %s)", path, def.ID, prev.SourceFile))
			continue
		}
		set.ops[def.ID] = def
		set.order = append(set.order, def.ID)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("playbook validation failed: %w", errors.Join(errs...))
	}

	log.Info().
		Str("component", "playbook").
		Str("dir", dir).
		Int("operations", len(set.order)).
		Msg("Loaded operation definitions")
	return set, nil
}

func loadOne(v *validator.Validate, path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := v.Struct(&f); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	def := f.Operation
	if def.Rollback.Enabled && len(def.Rollback.Steps) == 0 {
		return nil, fmt.Errorf("rollback enabled but no steps declared")
	}
	def.SourceFile = path
	return &def, nil
}

// Get returns the definition for an operation ID.
func (s *Set) Get(id string) (*Definition, bool) {
	def, ok := s.ops[id]
	return def, ok
}

// IDs returns the operation IDs in load order.
func (s *Set) IDs() []string {
	return append([]string(nil), s.order...)
}

// Len returns the number of loaded operations.
func (s *Set) Len() int {
	return len(s.ops)
}
