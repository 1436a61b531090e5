package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/resources"
)

func newResourcesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Inspect and maintain tracked resources",
	}

	cmd.AddCommand(newResourcesListCommand())
	cmd.AddCommand(newResourcesInvalidateCommand())
	cmd.AddCommand(newResourcesForgetCommand())

	return cmd
}

func newResourcesListCommand() *cobra.Command {
	var (
		namespace    string
		resourceType string
		limit        int
		offset       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active resources",
		Example: `  stackpilot resources list

  # Only storage accounts in one resource group
  stackpilot resources list --type storage-account --namespace rg-app`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			var ns, rt *string
			if namespace != "" {
				ns = &namespace
			}
			if resourceType != "" {
				rt = &resourceType
			}
			rows, err := backend.ListActiveResources(cmd.Context(), ns, rt, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rows)
			}
			if len(rows) == 0 {
				fmt.Println("No resources found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tNAMESPACE\tSTATE\tMANAGED\tCACHE")
			now := time.Now().Unix()
			for _, r := range rows {
				cache := "fresh"
				if r.InvalidatedAt != nil {
					cache = "invalidated"
				} else if r.CacheExpiresAt <= now {
					cache = "expired"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%s\n",
					r.ID, r.ResourceType, r.Name, r.Namespace, r.ProvisioningState, r.Managed, cache)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&namespace, "namespace", "", "filter by namespace")
	cmd.Flags().StringVar(&resourceType, "type", "", "filter by resource type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")

	return cmd
}

func newResourcesInvalidateCommand() *cobra.Command {
	var (
		reason string
		byType bool
	)

	cmd := &cobra.Command{
		Use:   "invalidate <cache-key-pattern | resource-type>",
		Short: "Mark cached resource state as stale",
		Long: `Invalidate cached resource state. The next read of a matching resource
goes back to the remote system instead of the cache. The argument is a
SQL LIKE pattern over cache keys, or with --type a resource type whose
rows and query snapshots are all invalidated.`,
		Example: `  # Everything cached for one resource group
  stackpilot resources invalidate 'storage-account:rg-app:%' --reason "manual change in portal"

  # Every cached storage account
  stackpilot resources invalidate storage-account --type`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			store := resources.NewStore(backend)
			if byType {
				err = store.InvalidateType(cmd.Context(), args[0], reason)
			} else {
				err = store.Invalidate(cmd.Context(), args[0], reason)
			}
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Invalidated cache entries matching %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual invalidation", "reason recorded with the invalidation")
	cmd.Flags().BoolVar(&byType, "type", false, "treat the argument as a resource type")

	return cmd
}

func newResourcesForgetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forget <resource-id>",
		Short: "Soft-delete a resource from tracking",
		Long: `Mark a resource as deleted. The row stays in the database for audit
and history, but normal reads and dependency checks no longer see it.`,
		Example: `  stackpilot resources forget storage-account-stappdata`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			store := resources.NewStore(backend)
			if err := store.SoftDelete(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("Resource %s marked deleted\n", args[0])
			}
			return nil
		},
	}

	return cmd
}
