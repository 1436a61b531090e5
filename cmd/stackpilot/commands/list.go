package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newListCommand() *cobra.Command {
	var (
		statusFilter   string
		categoryFilter string
		failedOnly     bool
		limit          int
		offset         int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations recorded in the ledger",
		Example: `  # Everything, most recent first
  stackpilot list

  # Only running operations
  stackpilot list --status running

  # Failed operations still worth re-driving
  stackpilot list --failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			var ops []*stores.Operation
			if failedOnly {
				ops, err = backend.FailedOperations(cmd.Context())
			} else {
				var status *stores.OperationStatus
				if statusFilter != "" {
					s := stores.OperationStatus(statusFilter)
					switch s {
					case stores.OperationStatusPending, stores.OperationStatusRunning,
						stores.OperationStatusCompleted, stores.OperationStatusFailed,
						stores.OperationStatusBlocked:
					default:
						return fmt.Errorf("unknown status %q", statusFilter)
					}
					status = &s
				}
				var category *string
				if categoryFilter != "" {
					category = &categoryFilter
				}
				ops, err = backend.ListOperations(cmd.Context(), status, category, limit, offset)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(ops)
			}
			if len(ops) == 0 {
				fmt.Println("No operations found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tWORK\tSTATUS\tPROGRESS\tRETRIES")
			for _, op := range ops {
				progress := "-"
				if op.TotalSteps > 0 {
					progress = fmt.Sprintf("%d/%d", op.CurrentStep, op.TotalSteps)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
					op.ID, op.Category, op.WorkType, op.Status, progress, op.RetryCount, op.MaxRetries)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending, running, completed, failed, blocked)")
	cmd.Flags().StringVar(&categoryFilter, "category", "", "filter by capability category")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only failed operations with retry budget left")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}
