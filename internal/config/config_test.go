package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logpkg "github.com/puripuri2100/overmove/internal/log"
)

func TestLoadDefaultsResolveStoreUnderDataDir(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	cfg, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env:        map[string]string{"OVERMOVE_HOME": home},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "overmove.db"), cfg.Store.Path)
	require.Equal(t, 5*time.Second, cfg.Store.BusyTimeout)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "coarse", cfg.Logging.RedactCoordinates)
	require.True(t, cfg.Journal.Enabled)
}

func TestLoadConfigPrecedenceFlagOverEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/data/file.db"
`)
	flagPath := "/data/flag.db"
	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env:        map[string]string{"OVERMOVE_STORE_PATH": "/data/env.db"},
		Flags:      FlagOverrides{StorePath: &flagPath},
	})
	require.NoError(t, err)
	require.Equal(t, "/data/flag.db", cfg.Store.Path)
}

func TestLoadConfigPrecedenceEnvOverFile(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/data/file.db"
busy_timeout = "2s"

[journal]
enabled = true
`)
	cfg, err := Load(LoadOptions{
		ConfigPath: cfgPath,
		Env: map[string]string{
			"OVERMOVE_STORE_PATH":         "/data/env.db",
			"OVERMOVE_STORE_BUSY_TIMEOUT": "30s",
			"OVERMOVE_JOURNAL_ENABLED":    "false",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "/data/env.db", cfg.Store.Path)
	require.Equal(t, 30*time.Second, cfg.Store.BusyTimeout)
	require.False(t, cfg.Journal.Enabled)
}

func TestLoadConfigPrecedenceFileOverDefault(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/data/file.db"
busy_timeout = "2s"
`)
	cfg, err := Load(LoadOptions{ConfigPath: cfgPath})
	require.NoError(t, err)
	require.Equal(t, "/data/file.db", cfg.Store.Path)
	require.Equal(t, 2*time.Second, cfg.Store.BusyTimeout)
}

func TestLoadConfigFromTOMLParsesAllSupportedFields(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/srv/overmove/trips.db"
busy_timeout = "15s"

[logging]
level = "debug"
file = "/tmp/overmove.log"
max_size_mb = 42
max_files = 9
redact_coordinates = "full"

[journal]
enabled = false
`)
	cfg, err := Load(LoadOptions{ConfigPath: cfgPath})
	require.NoError(t, err)
	require.Equal(t, "/srv/overmove/trips.db", cfg.Store.Path)
	require.Equal(t, 15*time.Second, cfg.Store.BusyTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/overmove.log", cfg.Logging.File)
	require.Equal(t, 42, cfg.Logging.MaxSizeMB)
	require.Equal(t, 9, cfg.Logging.MaxFiles)
	require.Equal(t, "full", cfg.Logging.RedactCoordinates)
	require.False(t, cfg.Journal.Enabled)

	logCfg := cfg.LogConfig()
	require.Equal(t, logpkg.PositionsFull, logCfg.Positions)
	require.Equal(t, 42, logCfg.MaxSizeMB)
}

func TestLoadConfigEnvParsesLoggingFields(t *testing.T) {
	t.Parallel()

	cfg, err := Load(LoadOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.toml"),
		Env: map[string]string{
			"OVERMOVE_STORE_PATH":             "/data/env.db",
			"OVERMOVE_LOG_LEVEL":              "warn",
			"OVERMOVE_LOG_FILE":               "/var/log/overmove.log",
			"OVERMOVE_LOG_MAX_SIZE_MB":        "3",
			"OVERMOVE_LOG_MAX_FILES":          "2",
			"OVERMOVE_LOG_REDACT_COORDINATES": "off",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "/var/log/overmove.log", cfg.Logging.File)
	require.Equal(t, 3, cfg.Logging.MaxSizeMB)
	require.Equal(t, 2, cfg.Logging.MaxFiles)
	require.Equal(t, logpkg.PositionsExact, cfg.LogConfig().Positions)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfigFile(t, `
[store]
path = "/data/from-env-config.db"
`)
	cfg, err := Load(LoadOptions{
		Env: map[string]string{"OVERMOVE_CONFIG_PATH": cfgPath},
	})
	require.NoError(t, err)
	require.Equal(t, "/data/from-env-config.db", cfg.Store.Path)
}

func TestLoadConfigValidationRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		contents string
		env      map[string]string
	}{
		{name: "zero-busy-timeout", contents: "[store]\nbusy_timeout = \"0s\"\n"},
		{name: "huge-busy-timeout", contents: "[store]\nbusy_timeout = \"11m\"\n"},
		{name: "unparsable-duration", contents: "[store]\nbusy_timeout = \"soon\"\n"},
		{name: "unknown-level", contents: "[logging]\nlevel = \"chatty\"\n"},
		{name: "negative-files", contents: "[logging]\nmax_files = -1\n"},
		{name: "unknown-redaction", contents: "[logging]\nredact_coordinates = \"blur\"\n"},
		{name: "broken-toml", contents: "[store\n"},
		{name: "env-not-a-bool", contents: "", env: map[string]string{"OVERMOVE_JOURNAL_ENABLED": "maybe"}},
		{name: "env-not-an-int", contents: "", env: map[string]string{"OVERMOVE_LOG_MAX_FILES": "many"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			environ := map[string]string{"OVERMOVE_STORE_PATH": "/data/x.db"}
			for k, v := range tt.env {
				environ[k] = v
			}
			_, err := Load(LoadOptions{
				ConfigPath: writeConfigFile(t, tt.contents),
				Env:        environ,
			})
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDataDirHonoursXDG(t *testing.T) {
	t.Parallel()

	xdg := t.TempDir()
	dir, err := DataDir(map[string]string{"XDG_DATA_HOME": xdg})
	require.NoError(t, err)
	if filepath.Base(dir) == "Overmove" {
		t.Skip("darwin uses Application Support")
	}
	require.Equal(t, filepath.Join(xdg, "overmove"), dir)
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o600))
	return p
}
