package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan <deployment>",
		Short: "Show the changes required to reach the declared state",
		Long: `Plan loads the deployment, diffs it against the latest snapshot, and
prints the ordered set of changes without touching the control plane.`,
		Example: `  # Print the plan for a deployment
  terrane plan stack.cue

  # Save the machine-readable plan and the dependency graph
  terrane plan stack.cue --out plan.json --dot graph.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			plan, graph, snap, err := rt.buildPlan(ctx, args[0])
			if err != nil {
				return err
			}
			if err := rt.gate(ctx, plan, graph, snap); err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(engine.RenderDOT(graph)), 0o644); err != nil {
					return fmt.Errorf("failed to write graph file: %w", err)
				}
			}

			return engine.RenderPlan(os.Stdout, plan)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the machine-readable plan to a file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT form to a file")
	return cmd
}
