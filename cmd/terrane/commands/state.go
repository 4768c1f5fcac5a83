package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and manage the applied state",
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateExportCommand())
	cmd.AddCommand(newStateImportCommand())
	cmd.AddCommand(newStateHistoryCommand())
	cmd.AddCommand(newStateRunsCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	var serial int64

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a snapshot as JSON (latest by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			snap, err := rt.store.LoadLatest(ctx)
			if serial > 0 {
				snap, err = rt.store.LoadSerial(ctx, serial)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	cmd.Flags().Int64Var(&serial, "serial", 0, "show a specific snapshot serial instead of the latest")
	return cmd
}

func newStateExportCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the latest snapshot to a file or stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			w := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return rt.store.ExportLatest(ctx, w)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newStateImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a snapshot as the new latest state",
		Long: `Import reads an exported snapshot and saves it under the next serial.
The previous snapshot stays in history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open snapshot file: %w", err)
			}
			defer f.Close()

			snap, err := rt.store.Import(ctx, f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported snapshot serial %d with %d resource(s).\n",
				snap.Serial, len(snap.Resources))
			return nil
		},
	}
	return cmd
}

func newStateHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List snapshot serials, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rows, err := rt.store.ListSnapshots(ctx, limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No snapshots recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tTAKEN AT\tRUN")
			for _, row := range rows {
				runID := "-"
				if row.RunID != nil {
					runID = *row.RunID
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n",
					row.Serial, row.TakenAt.Format("2006-01-02 15:04:05"), runID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum snapshots to list")
	return cmd
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rows, err := rt.store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\n",
					row.ID, row.Status, row.StartedAt.Format("2006-01-02 15:04:05"), row.DurationMS)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}
