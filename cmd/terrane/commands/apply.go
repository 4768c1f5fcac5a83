package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun      bool
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "apply <deployment>",
		Short: "Apply the declared state to the control plane",
		Long: `Apply plans the deployment and executes the resulting steps: independent
changes run in parallel, transient failures are retried, and a failed step
skips everything downstream of it. The snapshot records exactly the work
that completed, so a partial run resumes where it left off.`,
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
			if !plan.HasChanges() {
				fmt.Println("No changes. Deployment matches the applied state.")
				return nil
			}
			if err := rt.gate(ctx, plan, graph, snap); err != nil {
				return err
			}
			if err := engine.RenderPlan(os.Stdout, plan); err != nil {
				return err
			}

			if !autoApprove && !dryRun {
				fmt.Printf("This will change %d resource(s). Re-run with --auto-approve to proceed.\n",
					len(plan.Steps))
				return nil
			}

			if parallelism <= 0 {
				parallelism = rt.settings.MaxParallel
			}
			driver := engine.NewDriver(rt.client, rt.bus, rt.logger, engine.DriverOptions{
				MaxParallel: parallelism,
				MaxRetries:  rt.settings.MaxRetries,
				BaseBackoff: rt.settings.BaseBackoff.Std(),
				MaxBackoff:  rt.settings.MaxBackoff.Std(),
				DryRun:      dryRun,
			})

			runCtx, span := rt.tracer.StartRunSpan(ctx, "", plan.ID)
			run, newSnap, err := driver.Apply(runCtx, plan, snap)
			span.End()
			if err != nil {
				return err
			}
			rt.metrics.RunCompleted(string(run.Status), run.Duration)
			for _, res := range run.Results {
				rt.metrics.StepExecuted(string(res.Kind), string(res.Outcome), res.Duration)
			}

			if !dryRun {
				if err := rt.store.SaveForRun(ctx, newSnap, run.ID); err != nil {
					return err
				}
				if err := rt.store.SaveRun(ctx, run); err != nil {
					return err
				}
			}

			if err := engine.RenderRun(os.Stdout, run); err != nil {
				return err
			}
			if run.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("run finished with status %s", run.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and report without calling the control plane")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "apply without interactive confirmation")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max parallel operations (0 uses settings)")
	return cmd
}
