package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newResumeCommand() *cobra.Command {
	var setFlags []string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Pick up outstanding operations",
		Long: `Drive every operation the ledger still considers outstanding.

Interrupted running operations continue from their last checkpointed
step. Pending and blocked operations are attempted in dependency order,
and failed operations with remaining retry budget are re-driven as
linked retry attempts.`,
		Example: `  # Resume after an interrupted run
  stackpilot resume

  # Resume with parameter values from a file
  stackpilot resume --values prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(setFlags)
			if err != nil {
				return err
			}

			cfg := engine.DefaultConfig()
			cfg.ContinueOnError = true

			rt, err := buildRuntime(cmd.Context(), overrides, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := rt.engine.Resume(cmd.Context())
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if !jsonOutput {
					fmt.Println("Nothing to resume")
				}
				return nil
			}
			if err := printResults(results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Status != stores.OperationStatusCompleted {
					failed++
				}
			}
			log.Info().
				Int("driven", len(results)).
				Int("unfinished", failed).
				Msg("Resume pass finished")
			if failed > 0 {
				return fmt.Errorf("%d of %d operations did not complete", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "parameter override (key=value, repeatable)")

	return cmd
}
