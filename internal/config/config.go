package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"

	logpkg "github.com/puripuri2100/overmove/internal/log"
)

const (
	defaultBusyTimeout  = 5 * time.Second
	maxBusyTimeout      = 10 * time.Minute
	defaultLogLevel     = "info"
	defaultLogMaxSizeMB = 10
	defaultLogMaxFiles  = 5
	defaultRedaction    = "coarse"
	storeFileName       = "overmove.db"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Store   StoreConfig   `toml:"store"`
	Logging LoggingConfig `toml:"logging"`
	Journal JournalConfig `toml:"journal"`
}

type StoreConfig struct {
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
}

type LoggingConfig struct {
	Level             string `toml:"level"`
	File              string `toml:"file"`
	MaxSizeMB         int    `toml:"max_size_mb"`
	MaxFiles          int    `toml:"max_files"`
	RedactCoordinates string `toml:"redact_coordinates"`
}

type JournalConfig struct {
	Enabled bool `toml:"enabled"`
}

type LoadOptions struct {
	ConfigPath string
	// Env is consulted before the process environment. Tests use it to keep
	// loading hermetic.
	Env   map[string]string
	Flags FlagOverrides
}

type FlagOverrides struct {
	StorePath *string
	LogLevel  *string
}

// DefaultConfig returns the built-in settings. The store path is left empty
// and resolved against the data directory by Load.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			BusyTimeout: defaultBusyTimeout,
		},
		Logging: LoggingConfig{
			Level:             defaultLogLevel,
			MaxSizeMB:         defaultLogMaxSizeMB,
			MaxFiles:          defaultLogMaxFiles,
			RedactCoordinates: defaultRedaction,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}

// Load applies defaults, then the TOML file, then OVERMOVE_* variables, then
// flags, and validates the result.
func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()
	environ := environment(opts)

	configPath, err := resolveConfigPath(opts, environ)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnvOverrides(&cfg, environ); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if cfg.Store.Path == "" {
		dataDir, err := DataDir(environ)
		if err != nil {
			return Config{}, err
		}
		cfg.Store.Path = filepath.Join(dataDir, storeFileName)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Store   *rawStore   `toml:"store"`
	Logging *rawLogging `toml:"logging"`
	Journal *rawJournal `toml:"journal"`
}

type rawStore struct {
	Path        *string `toml:"path"`
	BusyTimeout *string `toml:"busy_timeout"`
}

type rawLogging struct {
	Level             *string `toml:"level"`
	File              *string `toml:"file"`
	MaxSizeMB         *int    `toml:"max_size_mb"`
	MaxFiles          *int    `toml:"max_files"`
	RedactCoordinates *string `toml:"redact_coordinates"`
}

type rawJournal struct {
	Enabled *bool `toml:"enabled"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return applyRawConfig(cfg, raw)
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Store != nil {
		setValue(raw.Store.Path, &cfg.Store.Path)
		if err := setDuration("store.busy_timeout", raw.Store.BusyTimeout, &cfg.Store.BusyTimeout); err != nil {
			return err
		}
	}
	if raw.Logging != nil {
		setValue(raw.Logging.Level, &cfg.Logging.Level)
		setValue(raw.Logging.File, &cfg.Logging.File)
		setValue(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setValue(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
		setValue(raw.Logging.RedactCoordinates, &cfg.Logging.RedactCoordinates)
	}
	if raw.Journal != nil {
		setValue(raw.Journal.Enabled, &cfg.Journal.Enabled)
	}
	return nil
}

// envOverrides is seeded from the current config so caarlos0/env only replaces
// fields whose variable is set.
type envOverrides struct {
	StorePath         string        `env:"OVERMOVE_STORE_PATH"`
	BusyTimeout       time.Duration `env:"OVERMOVE_STORE_BUSY_TIMEOUT"`
	LogLevel          string        `env:"OVERMOVE_LOG_LEVEL"`
	LogFile           string        `env:"OVERMOVE_LOG_FILE"`
	LogMaxSizeMB      int           `env:"OVERMOVE_LOG_MAX_SIZE_MB"`
	LogMaxFiles       int           `env:"OVERMOVE_LOG_MAX_FILES"`
	RedactCoordinates string        `env:"OVERMOVE_LOG_REDACT_COORDINATES"`
	JournalEnabled    bool          `env:"OVERMOVE_JOURNAL_ENABLED"`
}

func applyEnvOverrides(cfg *Config, environ map[string]string) error {
	ov := envOverrides{
		StorePath:         cfg.Store.Path,
		BusyTimeout:       cfg.Store.BusyTimeout,
		LogLevel:          cfg.Logging.Level,
		LogFile:           cfg.Logging.File,
		LogMaxSizeMB:      cfg.Logging.MaxSizeMB,
		LogMaxFiles:       cfg.Logging.MaxFiles,
		RedactCoordinates: cfg.Logging.RedactCoordinates,
		JournalEnabled:    cfg.Journal.Enabled,
	}
	if err := env.ParseWithOptions(&ov, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.Store.Path = ov.StorePath
	cfg.Store.BusyTimeout = ov.BusyTimeout
	cfg.Logging.Level = ov.LogLevel
	cfg.Logging.File = ov.LogFile
	cfg.Logging.MaxSizeMB = ov.LogMaxSizeMB
	cfg.Logging.MaxFiles = ov.LogMaxFiles
	cfg.Logging.RedactCoordinates = ov.RedactCoordinates
	cfg.Journal.Enabled = ov.JournalEnabled
	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.StorePath != nil && *flags.StorePath != "" {
		cfg.Store.Path = *flags.StorePath
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.Logging.Level = *flags.LogLevel
	}
}

func validate(cfg Config) error {
	if cfg.Store.BusyTimeout <= 0 || cfg.Store.BusyTimeout > maxBusyTimeout {
		return fmt.Errorf("%w: store.busy_timeout must be > 0 and <= %s", ErrInvalidConfig, maxBusyTimeout)
	}
	if _, err := logpkg.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxFiles < 0 {
		return fmt.Errorf("%w: logging.max_size_mb and logging.max_files must not be negative", ErrInvalidConfig)
	}
	if _, ok := logpkg.ParsePositionMode(cfg.Logging.RedactCoordinates); !ok {
		return fmt.Errorf("%w: logging.redact_coordinates must be coarse, full or off", ErrInvalidConfig)
	}
	return nil
}

// LogConfig adapts the logging section for the log package.
func (c Config) LogConfig() logpkg.Config {
	mode, _ := logpkg.ParsePositionMode(c.Logging.RedactCoordinates)
	return logpkg.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		MaxSizeMB: c.Logging.MaxSizeMB,
		MaxFiles:  c.Logging.MaxFiles,
		Positions: mode,
	}
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setValue[T any](raw *T, target *T) {
	if raw != nil {
		*target = *raw
	}
}

// environment merges the process environment with opts.Env, which wins.
func environment(opts LoadOptions) map[string]string {
	environ := env.ToMap(os.Environ())
	for key, value := range opts.Env {
		environ[key] = value
	}
	return environ
}

func resolveConfigPath(opts LoadOptions, environ map[string]string) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value := strings.TrimSpace(environ["OVERMOVE_CONFIG_PATH"]); value != "" {
		return value, nil
	}
	return defaultConfigPath(environ)
}

// DataDir is where the store lives when no path is configured.
func DataDir(environ map[string]string) (string, error) {
	if value := environ["OVERMOVE_HOME"]; value != "" {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Overmove"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdg := environ["XDG_DATA_HOME"]; xdg != "" {
		dataHome = xdg
	}
	return filepath.Join(dataHome, "overmove"), nil
}

func defaultConfigPath(environ map[string]string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Overmove", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdg := environ["XDG_CONFIG_HOME"]; xdg != "" {
		configHome = xdg
	}
	return filepath.Join(configHome, "overmove", "config.toml"), nil
}
