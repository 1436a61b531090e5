package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/resources"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

// statsSnapshot is the cached aggregate payload served by the stats command.
type statsSnapshot struct {
	Operations []*stores.OperationStat    `json:"operations"`
	Resources  []*stores.ResourceTypeStat `json:"resources"`
}

func newStatsCommand() *cobra.Command {
	var noCache bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show operation and resource aggregates",
		Long: `Show per-category operation counts with average durations and success
rates, and active resource counts by type and namespace. The snapshot is
served through the query cache with a short TTL; --no-cache forces a
fresh read of the aggregate views.`,
		Example: `  stackpilot stats`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			store := resources.NewStore(backend)
			if noCache {
				if err := store.Invalidate(cmd.Context(), "stats:summary", "stats --no-cache"); err != nil {
					return err
				}
			}
			payload, err := store.CachedQuery(cmd.Context(), "stats:summary", time.Minute,
				func(ctx context.Context) (string, error) {
					return fillStats(ctx, backend)
				})
			if err != nil {
				return err
			}

			if jsonOutput {
				fmt.Println(payload)
				return nil
			}

			var snap statsSnapshot
			if err := json.Unmarshal([]byte(payload), &snap); err != nil {
				return fmt.Errorf("failed to decode stats snapshot: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tWORK\tTOTAL\tAVG DURATION\tSUCCESS")
			for _, s := range snap.Operations {
				avg := "-"
				if s.AvgDurationSecs != nil {
					avg = fmt.Sprintf("%.1fs", *s.AvgDurationSecs)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.0f%%\n",
					s.Category, s.WorkType, s.Total, avg, s.SuccessRate*100)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(snap.Resources) > 0 {
				fmt.Println()
				w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RESOURCE TYPE\tNAMESPACE\tACTIVE")
				for _, s := range snap.Resources {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.ResourceType, s.Namespace, s.Total)
				}
				return w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the cached snapshot")

	return cmd
}

func fillStats(ctx context.Context, backend stores.Store) (string, error) {
	opStats, err := backend.OperationStats(ctx)
	if err != nil {
		return "", err
	}
	resStats, err := backend.ResourceTypeStats(ctx)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(statsSnapshot{Operations: opStats, Resources: resStats})
	if err != nil {
		return "", fmt.Errorf("failed to encode stats snapshot: %w", err)
	}
	return string(payload), nil
}
