package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/graph"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func parseDependencyKind(s string) (stores.DependencyKind, error) {
	k := stores.DependencyKind(s)
	switch k {
	case stores.DependencyRequired, stores.DependencyOptional, stores.DependencyReference:
		return k, nil
	default:
		return "", fmt.Errorf("unknown dependency kind %q", s)
	}
}

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the resource dependency graph",
	}

	cmd.AddCommand(newGraphExportCommand())
	cmd.AddCommand(newGraphCheckCommand())
	cmd.AddCommand(newGraphLinkCommand())

	return cmd
}

func newGraphExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the dependency graph as DOT",
		Example: `  stackpilot graph export | dot -Tsvg -o deps.svg`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			dot, err := graph.New(backend).ToDOT(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(dot)
			return nil
		},
	}

	return cmd
}

func newGraphCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <resource-id>",
		Short: "Check whether a resource's dependencies are satisfied",
		Example: `  stackpilot graph check storage-account-stappdata`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			ok, unmet, err := graph.New(backend).IsSatisfied(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(struct {
					ResourceID string            `json:"resource_id"`
					Satisfied  bool              `json:"satisfied"`
					Unmet      []graph.UnmetEdge `json:"unmet,omitempty"`
				}{args[0], ok, unmet})
			}

			if ok {
				fmt.Printf("%s: all required dependencies satisfied\n", args[0])
				return nil
			}
			fmt.Printf("%s: %s\n", args[0], graph.FormatUnmet(unmet))
			return fmt.Errorf("%d unsatisfied dependencies", len(unmet))
		},
	}

	return cmd
}

func newGraphLinkCommand() *cobra.Command {
	var (
		kind         string
		relationship string
	)

	cmd := &cobra.Command{
		Use:   "link <resource-id> <depends-on-id>",
		Short: "Record a dependency edge between two resources",
		Example: `  # The VM needs its VNet before it can be provisioned
  stackpilot graph link vm-app-01 vnet-prod --kind required --relationship network`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseDependencyKind(kind)
			if err != nil {
				return err
			}

			backend, err := openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			if err := graph.New(backend).AddEdge(cmd.Context(), args[0], args[1], k, relationship); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("%s -> %s (%s)\n", args[0], args[1], k)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "required", "edge kind (required, optional, reference)")
	cmd.Flags().StringVar(&relationship, "relationship", "", "free-form relationship label")

	return cmd
}
