package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newRedriveCommand() *cobra.Command {
	var setFlags []string

	cmd := &cobra.Command{
		Use:   "redrive <operation-id>",
		Short: "Retry a failed operation as a fresh attempt",
		Long: `Re-drive a terminally failed operation.

The failed row is left in place for audit. A new attempt is created
under a derived identifier linked to the original, and the original's
retry counter is advanced so exhausted operations stop appearing as
retry candidates.`,
		Example: `  stackpilot redrive storage-create-account`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseOverrides(setFlags)
			if err != nil {
				return err
			}

			rt, err := buildRuntime(cmd.Context(), overrides, engine.DefaultConfig())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.engine.Redrive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printResults([]engine.OperationResult{*result}); err != nil {
				return err
			}
			if result.Status != stores.OperationStatusCompleted {
				return fmt.Errorf("operation %s finished %s", result.OperationID, result.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&setFlags, "set", nil, "parameter override (key=value, repeatable)")

	return cmd
}
