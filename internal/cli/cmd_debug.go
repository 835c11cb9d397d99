package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/debug"
)

func newDebugCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Diagnostics for bug reports",
	}
	cmd.AddCommand(newDebugBundleCommand(deps))
	return cmd
}

func newDebugBundleCommand(deps commandDeps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Write a JSON bundle of build info, store counts and health checks",
		Long:  "The bundle holds counts and check results only. No coordinates are included.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("debug bundle does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				bundle := debug.NewBundle(timeNow())
				bundle.Version = map[string]string{
					"version":    deps.build.Version,
					"commit":     deps.build.Commit,
					"build_time": deps.build.BuildTime,
				}
				bundle = debug.Collect(ctx, bundle, s.store, s.journal)
				if err := debug.WriteBundle(output, bundle); err != nil {
					return err
				}
				result := map[string]any{"output": output, "healthy": bundle.Healthy()}
				return emit(deps, result, func(w io.Writer) error {
					for _, check := range bundle.Checks {
						if _, err := fmt.Fprintf(w, "%s %s %s\n", check.Name, boolToState(check.OK, "ok", "FAIL"), check.Message); err != nil {
							return err
						}
					}
					_, err := fmt.Fprintf(w, "debug bundle written: %s\n", output)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "overmove-debug.json", "Bundle output path")
	return cmd
}
