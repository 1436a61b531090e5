package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		showLogs bool
		logLimit int
	)

	cmd := &cobra.Command{
		Use:   "status <operation-id>",
		Short: "Show the ledger record of an operation",
		Example: `  stackpilot status storage-create-account

  # Include the operation's log lines
  stackpilot status storage-create-account --logs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			op, err := backend.GetOperation(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var logs []*stores.OperationLog
			if showLogs {
				logs, err = backend.GetOperationLogs(cmd.Context(), op.ID, logLimit, 0)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(struct {
					Operation *stores.Operation      `json:"operation"`
					Logs      []*stores.OperationLog `json:"logs,omitempty"`
				}{op, logs})
			}

			printOperation(op)
			for _, entry := range logs {
				ts := time.Unix(entry.Timestamp, 0).UTC().Format(time.RFC3339)
				fmt.Printf("  %s  %-7s %s\n", ts, entry.Level, entry.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showLogs, "logs", false, "include operation log lines")
	cmd.Flags().IntVar(&logLimit, "log-limit", 100, "max log lines to show")

	return cmd
}

func printOperation(op *stores.Operation) {
	fmt.Printf("%s  %s/%s (%s)\n", op.ID, op.Category, op.Name, op.WorkType)
	fmt.Printf("  status:   %s", op.Status)
	if op.ErrorCode != nil {
		fmt.Printf("  [%s]", *op.ErrorCode)
	}
	fmt.Println()
	if op.TotalSteps > 0 {
		fmt.Printf("  progress: %d/%d  %s\n", op.CurrentStep, op.TotalSteps, op.StepDescription)
	}
	if op.ResourceID != nil {
		fmt.Printf("  resource: %s\n", *op.ResourceID)
	}
	if op.ErrorMessage != nil {
		fmt.Printf("  error:    %s\n", *op.ErrorMessage)
	}
	if op.RetryCount > 0 {
		fmt.Printf("  retries:  %d/%d\n", op.RetryCount, op.MaxRetries)
	}
	if op.DurationSecs != nil {
		fmt.Printf("  duration: %ds\n", *op.DurationSecs)
	}
	if op.ParentID != nil {
		fmt.Printf("  parent:   %s\n", *op.ParentID)
	}
}
