package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newRunCommand() *cobra.Command {
	var (
		setFlags        []string
		parallelism     int
		timeout         time.Duration
		continueOnError bool
		patternsFile    string
	)

	cmd := &cobra.Command{
		Use:   "run <operation-id>...",
		Short: "Execute one or more operations",
		Long: `Execute operations defined in the playbook directory.

Each operation is recorded in the ledger before its body runs, so an
interrupted invocation can be picked up later with 'stackpilot resume'.
Multiple operations are batched: their target resources are ordered by
the dependency graph and independent operations run in parallel.`,
		Example: `  # Run a single operation
  stackpilot run storage-create-account --set name=stappdata --set resource_group=rg-app

  # Run a batch, dependency-ordered
  stackpilot run networking-create-vnet storage-create-account --parallelism 2

  # Keep going when an independent operation fails
  stackpilot run op-a op-b op-c --continue-on-error`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(setFlags)
			if err != nil {
				return err
			}

			cfg := engine.DefaultConfig()
			cfg.MaxParallel = parallelism
			cfg.ContinueOnError = continueOnError
			if timeout > 0 {
				cfg.DefaultTimeout = timeout
			}

			var opts []engine.Option
			if patternsFile != "" {
				classifier, err := engine.LoadClassifier(patternsFile)
				if err != nil {
					return err
				}
				opts = append(opts, engine.WithClassifier(classifier))
			}

			rt, err := buildRuntime(cmd.Context(), overrides, cfg, opts...)
			if err != nil {
				return err
			}
			defer rt.Close()

			log.Info().
				Strs("operations", args).
				Int("parallelism", cfg.MaxParallel).
				Msg("Running operations")

			results, err := rt.engine.RunBatch(cmd.Context(), args)
			if printErr := printResults(results); printErr != nil {
				return printErr
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Status != stores.OperationStatusCompleted {
					return fmt.Errorf("operation %s finished %s", r.OperationID, r.Status)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "parameter override (key=value, repeatable)")
	cmd.Flags().IntVar(&parallelism, "parallelism", engine.DefaultConfig().MaxParallel, "max parallel operations")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "default timeout for operations without one")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep driving independent operations after a failure")
	cmd.Flags().StringVar(&patternsFile, "error-patterns", "", "YAML file of error classification patterns")

	return cmd
}

func printResults(results []engine.OperationResult) error {
	if jsonOutput {
		return printJSON(results)
	}
	for _, r := range results {
		switch r.Status {
		case stores.OperationStatusCompleted:
			fmt.Printf("%-30s %s\n", r.OperationID, r.Status)
		default:
			detail := r.ErrorMessage
			if r.ErrorCode != "" {
				detail = fmt.Sprintf("[%s] %s", r.ErrorCode, detail)
			}
			fmt.Printf("%-30s %s  %s\n", r.OperationID, r.Status, detail)
		}
	}
	return nil
}
