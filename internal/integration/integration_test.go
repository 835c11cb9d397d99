//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	repoRoot         string
	integrationBin   string
	integrationCache string
)

func TestMain(m *testing.M) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Fprintln(os.Stderr, "integration: resolve current file")
		os.Exit(1)
	}
	repoRoot = filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))

	tmpDir, err := os.MkdirTemp(repoRoot, ".integration-bin-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration: create temp dir: %v\n", err)
		os.Exit(1)
	}

	integrationCache = filepath.Join(tmpDir, "gocache")
	if err := os.MkdirAll(integrationCache, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "integration: create gocache: %v\n", err)
		os.Exit(1)
	}

	integrationBin = filepath.Join(tmpDir, "overmove")
	buildCmd := exec.Command("go", "build", "-o", integrationBin, "./cmd/overmove")
	buildCmd.Dir = repoRoot
	buildCmd.Env = append(os.Environ(), "GOCACHE="+integrationCache)
	if output, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "integration: build cli: %v\n%s\n", err, string(output))
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type cliHarness struct {
	home   string
	config string
}

type cliResult struct {
	output   string
	exitCode int
	err      error
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()

	base, err := os.MkdirTemp(repoRoot, ".integration-run-")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(base)
	})

	return &cliHarness{
		home:   filepath.Join(base, "home"),
		config: filepath.Join(base, "config.toml"),
	}
}

// env leaves the store path unset so it resolves under OVERMOVE_HOME.
func (h *cliHarness) env() []string {
	return []string{
		"OVERMOVE_HOME=" + h.home,
		"OVERMOVE_CONFIG_PATH=" + h.config,
		"OVERMOVE_STORE_PATH=",
		"OVERMOVE_LOG_LEVEL=warn",
		"GOCACHE=" + integrationCache,
	}
}

func (h *cliHarness) run(timeout time.Duration, args ...string) cliResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, integrationBin, args...)
	cmd.Dir = repoRoot
	cmd.Env = append(os.Environ(), h.env()...)
	output, err := cmd.CombinedOutput()

	res := cliResult{
		output: strings.TrimSpace(string(output)),
		err:    err,
	}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
		return res
	}
	res.exitCode = -1
	if ctx.Err() != nil {
		res.output = strings.TrimSpace(string(output) + "\n" + ctx.Err().Error())
	}
	return res
}

func requireSuccess(t *testing.T, res cliResult, command ...string) string {
	t.Helper()
	require.NoError(t, res.err, "command failed: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equal(t, 0, res.exitCode)
	return res.output
}

func requireExit(t *testing.T, res cliResult, code int, command ...string) string {
	t.Helper()
	require.Error(t, res.err, "command unexpectedly succeeded: %s\noutput:\n%s", strings.Join(command, " "), res.output)
	require.Equalf(t, code, res.exitCode, "command %s output:\n%s", strings.Join(command, " "), res.output)
	return res.output
}

func (h *cliHarness) must(t *testing.T, args ...string) string {
	t.Helper()
	return requireSuccess(t, h.run(10*time.Second, args...), args...)
}

func TestIntegrationTravelLifecycleAndExport(t *testing.T) {
	h := newHarness(t)

	h.must(t, "travel", "create", "--id", "kyushu", "--name", "Kyushu")
	h.must(t, "move", "start", "kyushu", "--id", "leg-1", "--at", "2024-05-01T09:00:00Z")
	h.must(t, "geo", "record", "--at", "2024-05-01T09:00:00Z", "--lat", "33.5902", "--lon", "130.4207")
	h.must(t, "geo", "record", "--at", "2024-05-01T09:30:00Z", "--lat", "33.2382", "--lon", "131.6126")
	h.must(t, "move", "end", "leg-1", "--at", "2024-05-01T10:00:00Z")

	_, err := os.Stat(filepath.Join(h.home, "overmove.db"))
	require.NoError(t, err)

	out := h.must(t, "--json", "move", "summary", "leg-1")
	var summary struct {
		Fixes          int     `json:"fixes"`
		DistanceMeters float64 `json:"distance_meters"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, 2, summary.Fixes)
	require.Greater(t, summary.DistanceMeters, 100000.0)

	exportPath := filepath.Join(h.home, "kyushu.json")
	h.must(t, "travel", "export", "kyushu", "--output", exportPath)
	raw, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"leg-1"`)

	requireExit(t, h.run(10*time.Second, "move", "end", "leg-1"), 2, "move end leg-1")
	requireExit(t, h.run(10*time.Second, "travel", "show", "nope"), 3, "travel show nope")

	out = h.must(t, "journal", "verify")
	require.Contains(t, out, "journal valid: events=5")
}

func TestIntegrationConfigFileControlsJournal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.config, []byte("[journal]\nenabled = false\n"), 0o600))

	h.must(t, "travel", "create", "--name", "quiet")
	out := h.must(t, "--json", "status")
	var status struct {
		JournalEnabled bool `json:"journal_enabled"`
		JournalEvents  int  `json:"journal_events"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.False(t, status.JournalEnabled)
	require.Zero(t, status.JournalEvents)

	require.NoError(t, os.WriteFile(h.config, []byte("[store]\nbusy_timeout = \"-1s\"\n"), 0o600))
	requireExit(t, h.run(10*time.Second, "status"), 2, "status")
}

func TestIntegrationConcurrentRecorders(t *testing.T) {
	h := newHarness(t)

	h.must(t, "travel", "create", "--id", "t", "--name", "parallel")
	h.must(t, "move", "start", "t", "--id", "m", "--at", "0")

	const workers = 5
	const perWorker = 4
	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				at := strconv.Itoa(1000 + w*perWorker + i)
				res := h.run(20*time.Second, "geo", "record", "--at", at, "--lat", "1", "--lon", "2")
				if res.err != nil {
					errCh <- fmt.Errorf("record %s: exit=%d output=%s", at, res.exitCode, res.output)
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	out := h.must(t, "--json", "geo", "ls", "--move", "m")
	var fixes []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &fixes))
	require.Len(t, fixes, workers*perWorker)

	out = h.must(t, "journal", "verify")
	require.Contains(t, out, fmt.Sprintf("events=%d", 2+workers*perWorker))
}
