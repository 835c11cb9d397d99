package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/movement"
)

func newMoveCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Start, end and inspect moves",
	}
	cmd.AddCommand(
		newMoveStartCommand(deps),
		newMoveEndCommand(deps),
		newMoveListCommand(deps),
		newMoveShowCommand(deps),
		newMoveSummaryCommand(deps),
	)
	return cmd
}

func newMoveStartCommand(deps commandDeps) *cobra.Command {
	var (
		id string
		at string
	)
	cmd := &cobra.Command{
		Use:   "start <travel-id>",
		Short: "Start a move on a travel",
		Example: "  overmove move start t1\n" +
			"  overmove move start t1 --at 2024-05-01T09:30:00+09:00",
		Args: exactArgs(1, "move start requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseInstantFlag("at", at)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				move, err := s.service.StartMove(ctx, movement.StartMoveRequest{
					ID:       id,
					TravelID: args[0],
					Start:    start,
				})
				if err != nil {
					return err
				}
				return emit(deps, movement.NewMoveView(*move), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "move started: %s at %s\n", move.ID, formatInstant(move.Start))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Identifier to use instead of a generated UUID")
	cmd.Flags().StringVar(&at, "at", "", "Start instant (RFC 3339 or unix ms); defaults to now")
	return cmd
}

func newMoveEndCommand(deps commandDeps) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "end <move-id>",
		Short: "End an open move",
		Args:  exactArgs(1, "move end requires exactly one move id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			end, err := parseInstantFlag("at", at)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				move, err := s.service.EndMove(ctx, args[0], end)
				if err != nil {
					return err
				}
				return emit(deps, movement.NewMoveView(*move), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "move ended: %s at %s\n", move.ID, formatEnd(move.End))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "End instant (RFC 3339 or unix ms); defaults to now")
	return cmd
}

func newMoveListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <travel-id>",
		Short: "List a travel's moves by start time",
		Args:  exactArgs(1, "move ls requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				moves, err := s.service.ListMoves(ctx, args[0])
				if err != nil {
					return err
				}
				views := make([]movement.MoveView, 0, len(moves))
				for _, move := range moves {
					views = append(views, movement.NewMoveView(move))
				}
				return emit(deps, views, func(w io.Writer) error {
					for _, v := range views {
						if err := writeMoveLine(w, v); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newMoveShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <move-id>",
		Short: "Show one move",
		Args:  exactArgs(1, "move show requires exactly one move id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				move, err := s.service.GetMove(ctx, args[0])
				if err != nil {
					return err
				}
				view := movement.NewMoveView(*move)
				return emit(deps, view, func(w io.Writer) error {
					return writeMoveLine(w, view)
				})
			})
		},
	}
}

func newMoveSummaryCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <move-id>",
		Short: "Summarize the path recorded during a move",
		Args:  exactArgs(1, "move summary requires exactly one move id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				summary, err := s.service.SummarizeMove(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(deps, summary, func(w io.Writer) error {
					maxSpeed := "-"
					if summary.MaxSpeedMPS != nil {
						maxSpeed = fmt.Sprintf("%.2f", *summary.MaxSpeedMPS)
					}
					_, err := fmt.Fprintf(w,
						"move=%s travel=%s start=%s end=%s fixes=%d distance_m=%.1f duration_s=%.0f speed_mps=%.2f max_speed_mps=%s\n",
						summary.MoveID, summary.TravelID,
						formatInstant(summary.Start), formatEnd(summary.End),
						summary.Fixes, summary.DistanceMeters, summary.DurationSeconds, summary.AverageSpeedMPS, maxSpeed,
					)
					return err
				})
			})
		},
	}
}

func writeMoveLine(w io.Writer, v movement.MoveView) error {
	_, err := fmt.Fprintf(w, "%s travel=%s start=%s end=%s\n", v.ID, v.TravelID, formatInstant(v.Start), formatEnd(v.End))
	return err
}
