package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra/doc"

	"github.com/puripuri2100/overmove/internal/storage"
)

// DocFormat selects the reference format written by GenerateDocs.
type DocFormat string

const (
	DocMan      DocFormat = "man"
	DocMarkdown DocFormat = "markdown"
)

// GenerateDocs writes one page per command into outDir. Man page dates come
// from the build time so repeated builds of one commit produce identical files.
func GenerateDocs(outDir string, format DocFormat, build BuildInfo) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("generate docs: create %s: %w", outDir, err)
	}

	root := NewRootCommand(io.Discard, build)
	root.DisableAutoGenTag = true

	switch format {
	case DocMan, "":
		header := &doc.GenManHeader{
			Title:   "OVERMOVE",
			Section: "1",
			Source:  fmt.Sprintf("overmove %s (schema %d)", build.Version, storage.CurrentSchemaVersion()),
			Manual:  "Overmove Manual",
		}
		if built, err := time.Parse(time.RFC3339, build.BuildTime); err == nil {
			header.Date = &built
		}
		if err := doc.GenManTree(root, header, outDir); err != nil {
			return fmt.Errorf("generate docs: man: %w", err)
		}
	case DocMarkdown:
		if err := doc.GenMarkdownTree(root, outDir); err != nil {
			return fmt.Errorf("generate docs: markdown: %w", err)
		}
	default:
		return fmt.Errorf("generate docs: unknown format %q", format)
	}
	return nil
}
