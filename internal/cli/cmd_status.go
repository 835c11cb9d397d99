package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/storage"
)

func newStatusCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store location and row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("status does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				stats, err := s.store.Stats(ctx)
				if err != nil {
					return err
				}
				payload := struct {
					Store          string `json:"store"`
					JournalEnabled bool   `json:"journal_enabled"`
					storage.Stats
				}{Store: s.store.Path(), JournalEnabled: s.cfg.Journal.Enabled, Stats: stats}

				return emit(deps, payload, func(w io.Writer) error {
					_, err := fmt.Fprintf(w,
						"store=%s schema=%d travels=%d moves=%d open_moves=%d geolocations=%d unassigned=%d journal=%s events=%d\n",
						payload.Store, stats.SchemaVersion, stats.Travels, stats.Moves, stats.OpenMoves,
						stats.Geolocations, stats.Unassigned, boolToState(payload.JournalEnabled, "on", "off"), stats.JournalEvents,
					)
					return err
				})
			})
		},
	}
}

func newMigrateCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and list the applied ones",
		Long: "Every command migrates the store on open. migrate does only that and\n" +
			"reports which versions are recorded as applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("migrate does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				applied, err := storage.AppliedMigrations(s.store.DB())
				if err != nil {
					return err
				}
				return emit(deps, applied, func(w io.Writer) error {
					for _, m := range applied {
						if _, err := fmt.Fprintf(w, "%d %s applied=%s\n", m.Version, m.Description, formatInstant(m.AppliedAt)); err != nil {
							return err
						}
					}
					_, err := fmt.Fprintf(w, "schema version %d\n", storage.CurrentSchemaVersion())
					return err
				})
			})
		},
	}
}

func boolToState(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
