package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/puripuri2100/overmove/internal/storage"
)

// versionReport pairs the build stamp with the newest schema this binary can
// open.
type versionReport struct {
	BuildInfo
	SchemaVersion int    `json:"schema_version"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build and schema version",
		Example: "  overmove version\n" +
			"  overmove --json version",
		Args: exactArgs(0, "version does not accept positional arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			report := versionReport{
				BuildInfo:     deps.build,
				SchemaVersion: storage.CurrentSchemaVersion(),
				GoVersion:     runtime.Version(),
				Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			}
			return mapCommandError(emit(deps, report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "overmove %s (commit %s, built %s)\nschema=%d go=%s platform=%s\n",
					report.Version, report.Commit, report.BuildTime,
					report.SchemaVersion, report.GoVersion, report.Platform,
				)
				return err
			}))
		},
	}
}
