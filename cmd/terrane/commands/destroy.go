package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource in the applied state",
		Long: `Destroy plans against an empty configuration, so every resource in the
latest snapshot is deleted, dependents before the resources they depend on.
Policies still apply: protected resources block the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			snap, err := rt.store.LoadLatest(ctx)
			if err != nil {
				return err
			}
			if len(snap.Resources) == 0 {
				fmt.Println("Nothing to destroy.")
				return nil
			}

			graph, err := engine.NewGraphBuilder().Build(nil)
			if err != nil {
				return err
			}
			plan, err := engine.NewPlanner(nil).BuildPlan(ctx, graph, snap)
			if err != nil {
				return err
			}
			if err := rt.gate(ctx, plan, graph, snap); err != nil {
				return err
			}
			if err := engine.RenderPlan(os.Stdout, plan); err != nil {
				return err
			}

			if !autoApprove {
				fmt.Printf("This will delete %d resource(s). Re-run with --auto-approve to proceed.\n",
					len(snap.Resources))
				return nil
			}

			driver := engine.NewDriver(rt.client, rt.bus, rt.logger, engine.DriverOptions{
				MaxParallel: rt.settings.MaxParallel,
				MaxRetries:  rt.settings.MaxRetries,
				BaseBackoff: rt.settings.BaseBackoff.Std(),
				MaxBackoff:  rt.settings.MaxBackoff.Std(),
			})
			run, newSnap, err := driver.Apply(ctx, plan, snap)
			if err != nil {
				return err
			}
			rt.metrics.RunCompleted(string(run.Status), run.Duration)

			if err := rt.store.SaveForRun(ctx, newSnap, run.ID); err != nil {
				return err
			}
			if err := rt.store.SaveRun(ctx, run); err != nil {
				return err
			}

			if err := engine.RenderRun(os.Stdout, run); err != nil {
				return err
			}
			if run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("destroy finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "destroy without interactive confirmation")
	return cmd
}
