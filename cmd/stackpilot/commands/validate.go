package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackpilot/stackpilot/pkg/playbook"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate operation definitions",
		Long: `Validate every operation definition under the playbook directory.

Schema problems (missing fields, unknown enums, timeouts below the
expected duration) are reported per file. Cross-references are checked
for operations that require something never defined, and for circular
requirement chains.`,
		Example: `  stackpilot validate --playbooks ./playbooks`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := playbook.Load(playbookDir)
			if err != nil {
				return err
			}

			report := set.ValidateRefs()
			if jsonOutput {
				return printJSON(struct {
					Operations int                 `json:"operations"`
					Report     *playbook.RefReport `json:"report"`
					Stats      playbook.SetStats   `json:"stats"`
				}{set.Len(), report, set.Stats()})
			}

			if !report.OK() {
				fmt.Print(report.Summary())
				return fmt.Errorf("validation failed: %d missing references, %d cycles",
					len(report.Missing), len(report.Cycles))
			}

			log.Info().
				Int("operations", set.Len()).
				Msg("All operation definitions valid")
			fmt.Printf("%d operation definitions valid\n", set.Len())
			return nil
		},
	}

	return cmd
}
