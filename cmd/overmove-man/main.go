// Command overmove-man renders the CLI reference for packaging.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/puripuri2100/overmove/internal/cli"
	"github.com/puripuri2100/overmove/internal/version"
)

func main() {
	outDir := flag.String("out", "dist/man", "directory the pages are written to")
	format := flag.String("format", string(cli.DocMan), "page format: man or markdown")
	flag.Parse()

	build := cli.BuildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildTime: version.BuildTime,
	}
	if err := cli.GenerateDocs(*outDir, cli.DocFormat(*format), build); err != nil {
		fmt.Fprintf(os.Stderr, "overmove-man: %v\n", err)
		os.Exit(2)
	}
}
