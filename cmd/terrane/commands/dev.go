package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newDevCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev <deployment>",
		Short: "Watch a deployment and re-plan on every change",
		Long: `Dev watches the deployment source and prints a fresh plan whenever a
.cue or .yaml file changes. Nothing is applied; it is a fast feedback loop
for editing deployments. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			source := args[0]

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(source); err != nil {
				return fmt.Errorf("failed to watch %s: %w", source, err)
			}

			replan := func() {
				plan, graph, snap, err := rt.buildPlan(ctx, source)
				if err != nil {
					rt.logger.Error().Err(err).Msg("plan failed")
					return
				}
				if err := rt.gate(ctx, plan, graph, snap); err != nil {
					rt.logger.Error().Err(err).Msg("plan denied")
					return
				}
				if err := engine.RenderPlan(os.Stdout, plan); err != nil {
					rt.logger.Error().Err(err).Msg("failed to render plan")
				}
			}

			rt.logger.Info().Str("source", source).Msg("watching deployment")
			replan()

			// Editors fire several events per save; debounce before re-planning.
			var debounce *time.Timer
			debounceDelay := 500 * time.Millisecond

			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
						continue
					}
					if !watchedFile(event.Name) {
						continue
					}
					rt.logger.Debug().
						Str("file", event.Name).
						Str("op", event.Op.String()).
						Msg("deployment changed")
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceDelay, replan)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					rt.logger.Error().Err(err).Msg("watch error")
				}
			}
		},
	}
	return cmd
}

func watchedFile(name string) bool {
	return strings.HasSuffix(name, ".cue") ||
		strings.HasSuffix(name, ".yaml") ||
		strings.HasSuffix(name, ".yml")
}
