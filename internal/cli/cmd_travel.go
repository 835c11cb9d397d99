package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/movement"
)

func newTravelCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "travel",
		Short: "Travel management",
	}
	cmd.AddCommand(
		newTravelCreateCommand(deps),
		newTravelListCommand(deps),
		newTravelShowCommand(deps),
		newTravelRenameCommand(deps),
		newTravelRemoveCommand(deps),
		newTravelExportCommand(deps),
	)
	return cmd
}

func newTravelCreateCommand(deps commandDeps) *cobra.Command {
	var (
		id          string
		name        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a travel",
		Example: "  overmove travel create --name \"Kyushu 2024\"\n" +
			"  overmove travel create --id t1 --name Hokkaido --description \"winter trip\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("travel create does not accept positional arguments")
			}
			if strings.TrimSpace(name) == "" {
				return usageErrorf("travel create requires --name")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				travel, err := s.service.CreateTravel(ctx, movement.CreateTravelRequest{
					ID:          id,
					Name:        name,
					Description: description,
				})
				if err != nil {
					return err
				}
				return emit(deps, movement.NewTravelView(*travel), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "travel created: %s\n", travel.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Identifier to use instead of a generated UUID")
	cmd.Flags().StringVar(&name, "name", "", "Travel name")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	return cmd
}

func newTravelListCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List travels",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("travel ls does not accept positional arguments")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				travels, err := s.service.ListTravels(ctx)
				if err != nil {
					return err
				}
				views := make([]movement.TravelView, 0, len(travels))
				for _, travel := range travels {
					views = append(views, movement.NewTravelView(travel))
				}
				return emit(deps, views, func(w io.Writer) error {
					for _, v := range views {
						if _, err := fmt.Fprintf(w, "%s %s created=%s\n", v.ID, v.Name, formatInstant(v.CreatedAt)); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newTravelShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <travel-id>",
		Short: "Show a travel and its moves",
		Args:  exactArgs(1, "travel show requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				travel, err := s.service.GetTravel(ctx, args[0])
				if err != nil {
					return err
				}
				moves, err := s.service.ListMoves(ctx, travel.ID)
				if err != nil {
					return err
				}
				payload := struct {
					movement.TravelView
					Moves []movement.MoveView `json:"moves"`
				}{TravelView: movement.NewTravelView(*travel), Moves: make([]movement.MoveView, 0, len(moves))}
				for _, move := range moves {
					payload.Moves = append(payload.Moves, movement.NewMoveView(move))
				}
				return emit(deps, payload, func(w io.Writer) error {
					if _, err := fmt.Fprintf(w, "id: %s\nname: %s\n", travel.ID, travel.Name); err != nil {
						return err
					}
					if travel.Description != "" {
						if _, err := fmt.Fprintf(w, "description: %s\n", travel.Description); err != nil {
							return err
						}
					}
					if _, err := fmt.Fprintf(w, "created: %s\nupdated: %s\nmoves: %d\n",
						formatInstant(travel.CreatedAt), formatInstant(travel.UpdatedAt), len(moves)); err != nil {
						return err
					}
					for _, move := range payload.Moves {
						if err := writeMoveLine(w, move); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newTravelRenameCommand(deps commandDeps) *cobra.Command {
	var (
		name        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "rename <travel-id>",
		Short: "Change a travel's name or description",
		Args:  exactArgs(1, "travel rename requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := movement.UpdateTravelRequest{ID: args[0]}
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("description") {
				req.Description = &description
			}
			if req.Name == nil && req.Description == nil {
				return usageErrorf("travel rename requires --name or --description")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				travel, err := s.service.UpdateTravel(ctx, req)
				if err != nil {
					return err
				}
				return emit(deps, movement.NewTravelView(*travel), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "travel updated: %s %s\n", travel.ID, travel.Name)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New travel name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	return cmd
}

func newTravelRemoveCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <travel-id>",
		Short: "Remove a travel and its moves; recorded fixes are kept",
		Args:  exactArgs(1, "travel rm requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				if err := s.service.DeleteTravel(ctx, args[0]); err != nil {
					return err
				}
				return emit(deps, map[string]any{"deleted": args[0]}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "travel removed: %s\n", args[0])
					return err
				})
			})
		},
	}
}

func newTravelExportCommand(deps commandDeps) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <travel-id>",
		Short: "Export a travel with its moves and fixes",
		Example: "  overmove travel export t1\n" +
			"  overmove travel export t1 --format yaml --output kyushu.yaml",
		Args: exactArgs(1, "travel export requires exactly one travel id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(format) {
			case "json", "yaml", "yml":
			default:
				return usageErrorf("travel export --format must be json or yaml")
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				export, err := s.service.ExportTravel(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return movement.WriteExport(deps.out, export, format)
				}

				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("travel export: %w", err)
				}
				if err := movement.WriteExport(f, export, format); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("travel export: %w", err)
				}
				if deps.globals.Quiet || deps.globals.JSON {
					return nil
				}
				_, err = fmt.Fprintf(deps.out, "travel exported: %s -> %s\n", args[0], output)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}
