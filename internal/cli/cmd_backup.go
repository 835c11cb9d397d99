package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/movement"
)

func newBackupCommand(deps commandDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or restore the whole dataset",
		Example: "  overmove backup export --output overmove.backup.json\n" +
			"  overmove backup restore --from overmove.backup.json",
	}
	cmd.AddCommand(
		newBackupExportCommand(deps),
		newBackupRestoreCommand(deps),
	)
	return cmd
}

func newBackupExportCommand(deps commandDeps) *cobra.Command {
	var (
		outputPath string
		overwrite  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every travel, move and fix as one versioned JSON document",
		Long:  "Without --output the document goes to stdout. The journal is not exported.",
		Example: "  overmove backup export > overmove.backup.json\n" +
			"  overmove backup export --output overmove.backup.json --overwrite",
		Args: exactArgs(0, "backup export does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputPath = strings.TrimSpace(outputPath)
			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				if outputPath == "" || outputPath == "-" {
					_, err := s.backups.Export(ctx, deps.out)
					return err
				}

				flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
				if overwrite {
					flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
				}
				f, err := os.OpenFile(outputPath, flags, 0o600)
				if err != nil {
					if errors.Is(err, os.ErrExist) {
						return usageErrorf("backup export: %s exists; pass --overwrite", outputPath)
					}
					return fmt.Errorf("backup export: %w", err)
				}
				manifest, err := s.backups.Export(ctx, f)
				if closeErr := f.Close(); err == nil && closeErr != nil {
					err = fmt.Errorf("backup export: %w", closeErr)
				}
				if err != nil {
					_ = os.Remove(outputPath)
					return err
				}

				return emit(deps, manifest, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "backup exported: %s travels=%d moves=%d geolocations=%d\n",
						outputPath, manifest.Travels, manifest.Moves, manifest.Geolocations)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Backup output path (default stdout)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite the output path if it exists")
	return cmd
}

func newBackupRestoreCommand(deps commandDeps) *cobra.Command {
	var (
		inputPath string
		replace   bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Load a backup document in one transaction",
		Long: "Restore fails without writing anything when the document version is unknown\n" +
			"or any travel, move or fix collides with the store. --replace removes the\n" +
			"existing travels, moves and fixes first; the journal is kept.",
		Example: "  overmove backup restore --from overmove.backup.json\n" +
			"  overmove backup restore --from - --replace < overmove.backup.json",
		Args: exactArgs(0, "backup restore does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath = strings.TrimSpace(inputPath)
			if inputPath == "" {
				return usageErrorf("backup restore requires --from")
			}

			var in io.Reader = cmd.InOrStdin()
			if inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return mapCommandError(fmt.Errorf("backup restore: %w", err))
				}
				defer f.Close()
				in = f
			}

			return withSession(cmd.Context(), deps, func(ctx context.Context, s *session) error {
				manifest, err := s.backups.Restore(ctx, movement.BackupRestoreRequest{Input: in, Replace: replace})
				if err != nil {
					return err
				}
				return emit(deps, manifest, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "backup restored: travels=%d moves=%d geolocations=%d replaced=%t\n",
						manifest.Travels, manifest.Moves, manifest.Geolocations, manifest.Replaced)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&inputPath, "from", "", "Backup input path, or - for stdin")
	cmd.Flags().BoolVar(&replace, "replace", false, "Remove existing travels, moves and fixes before restoring")
	return cmd
}
