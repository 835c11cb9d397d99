package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/puripuri2100/overmove/internal/journal"
	"github.com/puripuri2100/overmove/internal/storage"
)

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// StoreInfo describes the store without any fix coordinates.
type StoreInfo struct {
	Path       string                     `json:"path"`
	Stats      storage.Stats              `json:"stats"`
	Migrations []storage.AppliedMigration `json:"migrations"`
}

type Bundle struct {
	GeneratedAt string            `json:"generated_at"`
	GOOS        string            `json:"goos"`
	GOARCH      string            `json:"goarch"`
	GoVersion   string            `json:"go_version"`
	Version     map[string]string `json:"version,omitempty"`
	Store       *StoreInfo        `json:"store,omitempty"`
	Checks      []Check           `json:"checks,omitempty"`
}

// Verifier recomputes the journal hash chain.
type Verifier interface {
	Verify(ctx context.Context) (*journal.VerifyResult, error)
}

func NewBundle(now time.Time) Bundle {
	return Bundle{
		GeneratedAt: now.UTC().Format(time.RFC3339Nano),
		GOOS:        runtime.GOOS,
		GOARCH:      runtime.GOARCH,
		GoVersion:   runtime.Version(),
	}
}

// Collect fills the store section and runs the health checks. A failing
// check is reported in the bundle, not returned as an error.
func Collect(ctx context.Context, bundle Bundle, store *storage.Store, verifier Verifier) Bundle {
	info := &StoreInfo{Path: store.Path()}
	bundle.Store = info

	stats, err := store.Stats(ctx)
	if err != nil {
		bundle.Checks = append(bundle.Checks, Check{Name: "store_stats", Message: err.Error()})
		return bundle
	}
	info.Stats = stats

	current := storage.CurrentSchemaVersion()
	bundle.Checks = append(bundle.Checks, Check{
		Name:    "schema_version",
		OK:      stats.SchemaVersion == current,
		Message: fmt.Sprintf("store=%d code=%d", stats.SchemaVersion, current),
	})

	applied, err := storage.AppliedMigrations(store.DB())
	if err != nil {
		bundle.Checks = append(bundle.Checks, Check{Name: "migrations", Message: err.Error()})
	} else {
		info.Migrations = applied
		bundle.Checks = append(bundle.Checks, Check{
			Name:    "migrations",
			OK:      len(applied) == current,
			Message: fmt.Sprintf("%d of %d applied", len(applied), current),
		})
	}

	if verifier != nil {
		check := Check{Name: "journal_chain"}
		result, err := verifier.Verify(ctx)
		switch {
		case err != nil:
			check.Message = err.Error()
		case result.Valid:
			check.OK = true
			check.Message = fmt.Sprintf("%d events", result.EventCount)
		default:
			check.Message = result.Error
		}
		bundle.Checks = append(bundle.Checks, check)
	}
	return bundle
}

// Healthy reports whether every check passed.
func (b Bundle) Healthy() bool {
	for _, check := range b.Checks {
		if !check.OK {
			return false
		}
	}
	return true
}

func WriteBundle(outputPath string, bundle Bundle) error {
	if outputPath == "" {
		return fmt.Errorf("write debug bundle: output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o700); err != nil {
		return fmt.Errorf("write debug bundle: create output directory: %w", err)
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("write debug bundle: marshal json: %w", err)
	}
	if err := os.WriteFile(outputPath, payload, 0o600); err != nil {
		return fmt.Errorf("write debug bundle: %w", err)
	}
	return nil
}
