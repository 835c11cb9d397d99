package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/journal"
)

func newJournalCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect and verify the change journal",
	}
	cmd.AddCommand(
		newJournalListCommand(deps),
		newJournalVerifyCommand(deps),
	)
	return cmd
}

func newJournalListCommand(deps commandDeps) *cobra.Command {
	var (
		action string
		target string
		since  string
		until  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List journal events in append order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("journal ls does not accept positional arguments")
			}
			if limit < 0 {
				return usageErrorf("journal ls --limit must not be negative")
			}
			filter := journal.Filter{Action: action, TargetID: target, Limit: limit}
			var err error
			if filter.Since, err = optionalInstant("since", since); err != nil {
				return err
			}
			if filter.Until, err = optionalInstant("until", until); err != nil {
				return err
			}

			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				events, err := s.journal.List(ctx, filter)
				if err != nil {
					return err
				}
				return emit(deps, events, func(w io.Writer) error {
					for _, e := range events {
						if _, err := fmt.Fprintf(w, "%s %s %s:%s %s %s\n",
							formatInstant(e.Timestamp), e.Action, e.TargetType, e.TargetID, e.Result, e.DetailsJSON); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Only events with this action, e.g. move.start")
	cmd.Flags().StringVar(&target, "target", "", "Only events about this target id")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this instant")
	cmd.Flags().StringVar(&until, "until", "", "Only events at or before this instant")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (default 1000)")
	return cmd
}

func newJournalVerifyCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the journal hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("journal verify does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				result, err := s.journal.Verify(ctx)
				if err != nil {
					return err
				}
				if err := emit(deps, result, func(w io.Writer) error {
					if result.Valid {
						_, err := fmt.Fprintf(w, "journal valid: events=%d tip=%s\n", result.EventCount, result.ChainTip)
						return err
					}
					_, err := fmt.Fprintf(w, "journal invalid: %s\n", result.Error)
					return err
				}); err != nil {
					return err
				}
				if !result.Valid {
					return asExitError(ExitCodeGeneric, fmt.Errorf("journal verification failed: %s", result.Error))
				}
				return nil
			})
		},
	}
}

func optionalInstant(name, raw string) (*time.Time, error) {
	t, err := parseInstantFlag(name, raw)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}
