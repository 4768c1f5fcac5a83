package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <deployment>",
		Short: "Check a deployment for errors without applying",
		Long: `Validate parses the deployment, builds the dependency graph, and checks
for unresolved references, duplicate IDs, dependency cycles, and policy
violations. Nothing is executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			dep, err := rt.loader.Load(args[0])
			if err != nil {
				return err
			}
			graph, err := engine.NewGraphBuilder().Build(dep.Specs())
			if err != nil {
				return err
			}
			if _, err := engine.TopoSort(graph); err != nil {
				if members := engine.CycleMembers(err); len(members) > 0 {
					rt.logger.Error().Strs("cycle", members).Msg("dependency cycle")
				}
				return err
			}
			schemas, err := dep.SchemaRegistry()
			if err != nil {
				return err
			}

			snap, err := rt.store.LoadLatest(ctx)
			if err != nil {
				return err
			}
			plan, err := engine.NewPlanner(schemas).BuildPlan(ctx, graph, snap)
			if err != nil {
				return err
			}
			if err := rt.gate(ctx, plan, graph, snap); err != nil {
				return err
			}

			fmt.Printf("Deployment is valid: %d resource(s), %d dependency edge(s).\n",
				len(graph.Resources), len(graph.Edges))
			return nil
		},
	}
	return cmd
}
