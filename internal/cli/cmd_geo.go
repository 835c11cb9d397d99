package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/movement"
	"github.com/puripuri2100/overmove/internal/storage"
)

func newGeoCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geo",
		Short: "Record and query geolocation fixes",
	}
	cmd.AddCommand(
		newGeoRecordCommand(deps),
		newGeoShowCommand(deps),
		newGeoListCommand(deps),
		newGeoPruneCommand(deps),
		newGeoImportCommand(deps),
	)
	return cmd
}

func newGeoRecordCommand(deps commandDeps) *cobra.Command {
	var (
		at        string
		latitude  float64
		longitude float64
		sensor    [4]float64
	)
	sensorFlags := []string{"altitude", "altitude-accuracy", "speed", "heading"}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one fix",
		Example: "  overmove geo record --lat 35.681236 --lon 139.767125 --at 1714555800000\n" +
			"  overmove geo record --lat 35.68 --lon 139.76 --speed 1.4 --heading 90",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("geo record does not accept positional arguments")
			}
			if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
				return usageErrorf("geo record requires --lat and --lon")
			}
			ts, err := parseInstantFlag("at", at)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				if ts.IsZero() {
					ts = storage.Truncate(timeNow())
				}
				req := movement.RecordRequest{
					Timestamp: ts,
					Latitude:  latitude,
					Longitude: longitude,
				}
				targets := []**float64{&req.Altitude, &req.AltitudeAccuracy, &req.Speed, &req.Heading}
				for i, name := range sensorFlags {
					if cmd.Flags().Changed(name) {
						v := sensor[i]
						*targets[i] = &v
					}
				}
				fix, err := s.service.Record(ctx, req)
				if err != nil {
					return err
				}
				return emit(deps, movement.NewFixView(*fix), func(w io.Writer) error {
					return writeFixLine(w, movement.NewFixView(*fix))
				})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Fix instant (RFC 3339 or unix ms); defaults to now")
	cmd.Flags().Float64Var(&latitude, "lat", 0, "Latitude in decimal degrees")
	cmd.Flags().Float64Var(&longitude, "lon", 0, "Longitude in decimal degrees")
	cmd.Flags().Float64Var(&sensor[0], "altitude", 0, "Altitude in metres")
	cmd.Flags().Float64Var(&sensor[1], "altitude-accuracy", 0, "Altitude accuracy in metres")
	cmd.Flags().Float64Var(&sensor[2], "speed", 0, "Ground speed in metres per second")
	cmd.Flags().Float64Var(&sensor[3], "heading", 0, "Heading in degrees clockwise from true north")
	return cmd
}

func newGeoShowCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <timestamp>",
		Short: "Show the fix recorded at an instant",
		Args:  exactArgs(1, "geo show requires exactly one timestamp"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseInstantFlag("timestamp", args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				fix, err := s.service.GetGeolocation(ctx, ts)
				if err != nil {
					return err
				}
				view := movement.NewFixView(*fix)
				return emit(deps, view, func(w io.Writer) error { return writeFixLine(w, view) })
			})
		},
	}
}

func newGeoListCommand(deps commandDeps) *cobra.Command {
	var (
		moveID string
		from   string
		to     string
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List fixes for a move or a time window",
		Example: "  overmove geo ls --move m1\n" +
			"  overmove geo ls --from 2024-05-01T00:00:00Z --to 2024-05-02T00:00:00Z",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("geo ls does not accept positional arguments")
			}
			if moveID != "" && (from != "" || to != "") {
				return usageErrorf("geo ls accepts either --move or --from/--to")
			}
			if moveID == "" && from == "" {
				return usageErrorf("geo ls requires --move or --from")
			}
			fromTS, err := parseInstantFlag("from", from)
			if err != nil {
				return err
			}
			toTS, err := parseInstantFlag("to", to)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				var fixes []storage.Geolocation
				if moveID != "" {
					fixes, err = s.service.ListGeolocations(ctx, moveID)
				} else {
					fixes, err = s.service.ListGeolocationRange(ctx, fromTS, toTS)
				}
				if err != nil {
					return err
				}
				views := make([]movement.FixView, 0, len(fixes))
				for _, fix := range fixes {
					views = append(views, movement.NewFixView(fix))
				}
				return emit(deps, views, func(w io.Writer) error {
					for _, v := range views {
						if err := writeFixLine(w, v); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().StringVar(&moveID, "move", "", "List the fixes inside this move's span")
	cmd.Flags().StringVar(&from, "from", "", "Window start, inclusive")
	cmd.Flags().StringVar(&to, "to", "", "Window end, inclusive; open-ended when omitted")
	return cmd
}

func newGeoPruneCommand(deps commandDeps) *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete fixes older than an instant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return usageErrorf("geo prune does not accept positional arguments")
			}
			if strings.TrimSpace(before) == "" {
				return usageErrorf("geo prune requires --before")
			}
			cutoff, err := parseInstantFlag("before", before)
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				removed, err := s.service.Prune(ctx, cutoff)
				if err != nil {
					return err
				}
				return emit(deps, map[string]any{"removed": removed}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "geolocations pruned: %d\n", removed)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "Delete fixes strictly before this instant")
	return cmd
}

func newGeoImportCommand(deps commandDeps) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import fixes from JSON lines or CSV (timestamp,latitude,longitude[,altitude,altitude_accuracy,speed,heading])",
		Example: "  overmove geo import track.csv\n" +
			"  gps-reader | overmove geo import --format jsonl",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usageErrorf("geo import accepts at most one file")
			}
			importFormat := movement.ImportFormat(strings.ToLower(format))
			switch importFormat {
			case movement.ImportAuto, movement.ImportJSON, movement.ImportCSV:
			default:
				return usageErrorf("geo import --format must be auto, jsonl or csv")
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return mapCommandError(fmt.Errorf("geo import: %w", err))
				}
				defer f.Close()
				in = f
			}

			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				report, err := s.service.Import(ctx, in, importFormat)
				if err != nil {
					return err
				}
				if err := emit(deps, report, func(w io.Writer) error {
					if _, err := fmt.Fprintf(w, "geolocations imported: read=%d recorded=%d linked=%d failed=%d\n",
						report.Read, report.Recorded, report.Linked, len(report.Failures)); err != nil {
						return err
					}
					for _, f := range report.Failures {
						if _, err := fmt.Fprintf(w, "line %d: %s\n", f.Line, f.Err); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					return err
				}
				if len(report.Failures) > 0 {
					return asExitError(ExitCodeGeneric, fmt.Errorf("geo import: %d of %d lines rejected", len(report.Failures), report.Read))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(movement.ImportAuto), "Input format: auto, jsonl or csv")
	return cmd
}

func writeFixLine(w io.Writer, v movement.FixView) error {
	move := v.MoveID
	if move == "" {
		move = "-"
	}
	line := fmt.Sprintf("%s lat=%.6f lon=%.6f move=%s", formatInstant(v.Timestamp), v.Latitude, v.Longitude, move)
	for _, reading := range []struct {
		name  string
		value *float64
	}{
		{"alt", v.Altitude},
		{"alt_acc", v.AltitudeAccuracy},
		{"speed", v.Speed},
		{"heading", v.Heading},
	} {
		if reading.value != nil {
			line += fmt.Sprintf(" %s=%g", reading.name, *reading.value)
		}
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
