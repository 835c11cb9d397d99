package cli

import (
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

type GlobalOptions struct {
	JSON       bool
	Quiet      bool
	StorePath  string
	ConfigPath string
	LogLevel   string
}

type commandDeps struct {
	out     io.Writer
	globals *GlobalOptions
	build   BuildInfo
}

func NewRootCommand(out io.Writer, build BuildInfo) *cobra.Command {
	globals := &GlobalOptions{}
	deps := commandDeps{out: out, globals: globals, build: build}

	cmd := &cobra.Command{
		Use:   "overmove",
		Short: "Record travels, moves and geolocation fixes",
		Long: "overmove keeps a local store of travels, the moves made during them and\n" +
			"the raw geolocation fixes reported by a position source.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return asExitError(ExitCodeUsage, err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")
	flags.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress non-error output")
	flags.StringVar(&globals.StorePath, "store", "", "Path to the store database (overrides OVERMOVE_STORE_PATH)")
	flags.StringVar(&globals.ConfigPath, "config", "", "Path to config.toml (overrides OVERMOVE_CONFIG_PATH)")
	flags.StringVar(&globals.LogLevel, "log-level", "", "Log level: debug, info, warn or error")

	cmd.AddCommand(
		newTravelCommand(deps),
		newMoveCommand(deps),
		newGeoCommand(deps),
		newJournalCommand(deps),
		newBackupCommand(deps),
		newStatusCommand(deps),
		newMigrateCommand(deps),
		newDebugCommand(deps),
		newVersionCommand(deps),
	)
	cmd.InitDefaultCompletionCmd()
	return cmd
}
