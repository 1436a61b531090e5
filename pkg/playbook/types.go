// Package playbook loads externally supplied operation definitions from
// YAML, validates them, resolves their parameters, and adapts them into
// runnable operation specs for the engine.
package playbook

import (
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

// File is the top-level YAML document: one operation per file.
type File struct {
	Operation Definition `yaml:"operation" validate:"required"`
}

// Definition is one declarative operation: identity, how long it may take,
// the command template it runs, what it needs, and how to verify or undo it.
type Definition struct {
	ID            string      `yaml:"id" validate:"required"`
	Name          string      `yaml:"name" validate:"required"`
	Description   string      `yaml:"description" validate:"required"`
	Capability    string      `yaml:"capability" validate:"required"`
	OperationMode string      `yaml:"operation_mode" validate:"required,oneof=create configure validate update delete read modify adopt assign verify add remove drain"`
	ResourceType  string      `yaml:"resource_type" validate:"required"`
	Duration      Duration    `yaml:"duration" validate:"required"`
	Template      Template    `yaml:"template" validate:"required"`
	Parameters    Parameters  `yaml:"parameters"`
	Requires      []string    `yaml:"requires"`
	Validation    Validation  `yaml:"validation"`
	Rollback      Rollback    `yaml:"rollback"`
	Idempotency   Idempotency `yaml:"idempotency"`

	// SourceFile records where the definition was loaded from.
	SourceFile string `yaml:"-"`
}

// Duration bounds an operation in seconds. Timeout is the hard budget,
// expected the typical runtime.
type Duration struct {
	Expected int    `yaml:"expected" validate:"required,gt=0"`
	Timeout  int    `yaml:"timeout" validate:"required,gt=0,gtefield=Expected"`
	Type     string `yaml:"type" validate:"required,oneof=FAST NORMAL WAIT LONG"`
}

// TimeoutDuration returns the hard budget as a time.Duration.
func (d Duration) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// Template is the runnable body of an operation.
type Template struct {
	Type    string `yaml:"type" validate:"required,oneof=powershell-local powershell-remote powershell-vm-command azure-cli bash bash-script"`
	Command string `yaml:"command" validate:"required"`
}

// Parameter declares one input an operation consumes.
type Parameter struct {
	Name        string `yaml:"name" validate:"required"`
	Type        string `yaml:"type" validate:"required"`
	Description string `yaml:"description" validate:"required"`
	Default     string `yaml:"default"`
}

// Parameters splits declared inputs into must-have and may-have.
type Parameters struct {
	Required []Parameter `yaml:"required" validate:"dive"`
	Optional []Parameter `yaml:"optional" validate:"dive"`
}

// Check is a named verification command run before or after the body.
type Check struct {
	Name    string `yaml:"name" validate:"required"`
	Command string `yaml:"command" validate:"required"`
}

// Validation holds pre and post execution checks.
type Validation struct {
	Enabled    bool    `yaml:"enabled"`
	PreChecks  []Check `yaml:"pre_checks" validate:"dive"`
	PostChecks []Check `yaml:"post_checks" validate:"dive"`
}

// Rollback describes how to undo a partially applied operation.
type Rollback struct {
	Enabled bool    `yaml:"enabled"`
	Steps   []Check `yaml:"steps" validate:"dive"`
}

// Idempotency marks an operation as safe to repeat.
type Idempotency struct {
	Enabled bool `yaml:"enabled"`
}

// WorkType maps the declarative operation mode onto the core's work types.
func (d *Definition) WorkType() stores.WorkType {
	switch d.OperationMode {
	case "create":
		return stores.WorkTypeCreate
	case "adopt":
		return stores.WorkTypeAdopt
	case "delete", "remove", "drain":
		return stores.WorkTypeDelete
	case "validate", "verify", "read":
		return stores.WorkTypeValidate
	default:
		// configure, update, modify, assign, add
		return stores.WorkTypeModify
	}
}

// Mutating reports whether the operation changes remote state.
func (d *Definition) Mutating() bool {
	return d.WorkType() != stores.WorkTypeValidate
}

// ShellKind maps the template type onto an interpreter.
func (d *Definition) ShellKind() engine.ShellKind {
	switch d.Template.Type {
	case "powershell-local", "powershell-remote", "powershell-vm-command":
		return engine.ShellPowerShell
	case "azure-cli":
		return engine.ShellAzureCLI
	default:
		return engine.ShellBash
	}
}
