package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Params is the immutable resolved configuration handed to an operation
// body. Values are exported to the body as environment variables.
type Params map[string]string

// Env renders the params as KEY=value pairs in stable order.
func (p Params) Env() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), p[k]))
	}
	return env
}

// ExitSignal is the terminal outcome reported by an operation body.
type ExitSignal struct {
	Code     int           `json:"code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the body finished cleanly.
func (s *ExitSignal) Success() bool {
	return s != nil && s.Code == 0
}

// Output joins the captured streams for classification.
func (s *ExitSignal) Output() string {
	if s == nil {
		return ""
	}
	if s.Stderr == "" {
		return s.Stdout
	}
	return s.Stdout + "\n" + s.Stderr
}

// Executable is an opaque operation body. The orchestrator never interprets
// what a body does; it only runs it and reads the exit signal.
type Executable interface {
	Run(ctx context.Context, params Params) (*ExitSignal, error)
	Describe() string
}

// ShellKind selects the interpreter a Script runs under.
type ShellKind string

const (
	ShellBash       ShellKind = "bash"
	ShellAzureCLI   ShellKind = "azure-cli"
	ShellPowerShell ShellKind = "powershell"
)

func (k ShellKind) interpreter() (string, []string) {
	switch k {
	case ShellPowerShell:
		return "pwsh", []string{"-NoProfile", "-Command"}
	default:
		// Azure CLI bodies are bash one-liners invoking az.
		return "bash", []string{"-c"}
	}
}

// Command runs a native argv without a shell.
type Command struct {
	Argv    []string
	WorkDir string
}

// Run executes the argv and captures its output.
func (c *Command) Run(ctx context.Context, params Params) (*ExitSignal, error) {
	if len(c.Argv) == 0 {
		return nil, NewFatalError("command has empty argv", nil)
	}
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.WorkDir
	return runCmd(ctx, cmd, params)
}

// Describe returns a short display form.
func (c *Command) Describe() string {
	return strings.Join(c.Argv, " ")
}

// Script runs inline source under a shell interpreter.
type Script struct {
	Kind    ShellKind
	Source  string
	WorkDir string
}

// Run executes the source through the interpreter for its kind.
func (s *Script) Run(ctx context.Context, params Params) (*ExitSignal, error) {
	if s.Source == "" {
		return nil, NewFatalError("script has empty source", nil)
	}
	interp, args := s.Kind.interpreter()
	cmd := exec.CommandContext(ctx, interp, append(args, s.Source)...)
	cmd.Dir = s.WorkDir
	return runCmd(ctx, cmd, params)
}

// Describe returns a short display form.
func (s *Script) Describe() string {
	line := s.Source
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i] + " ..."
	}
	return fmt.Sprintf("%s: %s", s.Kind, line)
}

func runCmd(ctx context.Context, cmd *exec.Cmd, params Params) (*ExitSignal, error) {
	cmd.Env = append(cmd.Environ(), params.Env()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	signal := &ExitSignal{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			signal.Code = exitErr.ExitCode()
			return signal, nil
		}
		if ctx.Err() != nil {
			return signal, ctx.Err()
		}
		return nil, fmt.Errorf("failed to execute body: %w", err)
	}

	return signal, nil
}

// BodyFunc adapts a plain function into an Executable.
type BodyFunc func(ctx context.Context, params Params) (*ExitSignal, error)

// Run invokes the function.
func (f BodyFunc) Run(ctx context.Context, params Params) (*ExitSignal, error) {
	return f(ctx, params)
}

// Describe returns a fixed display form.
func (f BodyFunc) Describe() string {
	return "func"
}
