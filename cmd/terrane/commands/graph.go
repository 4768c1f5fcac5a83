package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <deployment>",
		Short: "Print the dependency graph in Graphviz DOT form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, false)
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
			fmt.Print(engine.RenderDOT(graph))
			return nil
		},
	}
	return cmd
}
