package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/puripuri2100/overmove/internal/config"
	"github.com/puripuri2100/overmove/internal/journal"
	logpkg "github.com/puripuri2100/overmove/internal/log"
	"github.com/puripuri2100/overmove/internal/movement"
	"github.com/puripuri2100/overmove/internal/storage"
	"github.com/spf13/cobra"
)

var (
	loadConfigFn = config.Load
	openStoreFn  = storage.Open
	timeNow      = time.Now
)

// session is everything one command invocation needs, opened from config.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.Store
	journal *journal.Service
	service *movement.Service
	backups *movement.BackupService
}

func withSession(cmdCtx context.Context, deps commandDeps, fn func(context.Context, *session) error) error {
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}

	loadOpts := config.LoadOptions{}
	if deps.globals != nil {
		loadOpts.ConfigPath = strings.TrimSpace(deps.globals.ConfigPath)
		if path := strings.TrimSpace(deps.globals.StorePath); path != "" {
			loadOpts.Flags.StorePath = &path
		}
		if level := strings.TrimSpace(deps.globals.LogLevel); level != "" {
			loadOpts.Flags.LogLevel = &level
		}
	}
	cfg, err := loadConfigFn(loadOpts)
	if err != nil {
		return mapCommandError(fmt.Errorf("load config: %w", err))
	}

	logger, logCloser, err := logpkg.New(cfg.LogConfig())
	if err != nil {
		return mapCommandError(fmt.Errorf("configure logging: %w", err))
	}
	defer func() { _ = logCloser.Close() }()

	store, err := openStoreFn(cfg.Store.Path, storage.Options{BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return mapCommandError(fmt.Errorf("open store %s: %w", cfg.Store.Path, err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	j, err := journal.NewService(cmdCtx, store.Journal)
	if err != nil {
		return mapCommandError(err)
	}
	var recorder movement.Recorder
	if cfg.Journal.Enabled {
		recorder = j
	}

	s := &session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		journal: j,
		service: movement.NewService(movement.StoreRepositories(store), recorder, logger),
		backups: movement.NewBackupService(store.Backups, recorder, logger),
	}
	return mapCommandError(fn(cmdCtx, s))
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

// emit prints value as JSON under --json, nothing under --quiet, and calls
// text otherwise.
func emit(deps commandDeps, value any, text func(io.Writer) error) error {
	if deps.globals.JSON {
		return printJSON(deps.out, value)
	}
	if deps.globals.Quiet {
		return nil
	}
	return text(deps.out)
}

const instantLayout = "2006-01-02T15:04:05.000Z07:00"

func formatInstant(t time.Time) string {
	return t.UTC().Format(instantLayout)
}

func formatEnd(end *time.Time) string {
	if end == nil {
		return "open"
	}
	return formatInstant(*end)
}

// parseInstantFlag parses an optional RFC 3339 or unix-millisecond flag value.
func parseInstantFlag(name, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := movement.ParseInstant(raw)
	if err != nil {
		return time.Time{}, usageErrorf("--%s: %v", name, err)
	}
	return t, nil
}

func exactArgs(n int, message string) func(cmd *cobra.Command, args []string) error {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("%s", message)
		}
		return nil
	}
}
