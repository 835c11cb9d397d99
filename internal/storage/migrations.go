package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	schemaVersionMetaKey = "schema_version"
	journalChainTipKey   = "journal_chain_tip"
)

// migrateMu keeps RunMigrations from racing with itself when several stores
// are opened in one process.
var migrateMu sync.Mutex

type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var defaultMigrations = []Migration{
	{
		Version:     1,
		Description: "create travel table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS travel (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
			if err != nil {
				return fmt.Errorf("create travel: %w", err)
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "create move table",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS move (
					move_id TEXT PRIMARY KEY,
					travel_id TEXT NOT NULL,
					start_timestamp INTEGER NOT NULL,
					end_timestamp INTEGER,
					FOREIGN KEY(travel_id) REFERENCES travel(id) ON DELETE CASCADE,
					CHECK (end_timestamp IS NULL OR end_timestamp >= start_timestamp)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_move_travel_start ON move(travel_id, start_timestamp)`,
				`CREATE INDEX IF NOT EXISTS idx_move_span ON move(start_timestamp, end_timestamp)`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("apply migration v2 statement: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "create geolocation table",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS geolocation (
					timestamp INTEGER PRIMARY KEY,
					latitude REAL NOT NULL CHECK (latitude BETWEEN -90 AND 90),
					longitude REAL NOT NULL CHECK (longitude BETWEEN -180 AND 180),
					move_id TEXT,
					FOREIGN KEY(move_id) REFERENCES move(move_id) ON DELETE SET NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_geolocation_move ON geolocation(move_id, timestamp)`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("apply migration v3 statement: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     4,
		Description: "create journal table",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS journal_events (
					id TEXT PRIMARY KEY,
					action TEXT NOT NULL,
					target_type TEXT NOT NULL DEFAULT '',
					target_id TEXT NOT NULL DEFAULT '',
					result TEXT NOT NULL DEFAULT '',
					details_json TEXT NOT NULL DEFAULT '{}',
					prev_hash TEXT NOT NULL DEFAULT '',
					event_hash TEXT NOT NULL DEFAULT '',
					created_at TEXT NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_journal_action_created_at ON journal_events(action, created_at)`,
				`CREATE INDEX IF NOT EXISTS idx_journal_target_created_at ON journal_events(target_id, created_at)`,
				`INSERT OR IGNORE INTO store_meta(key, value) VALUES('` + journalChainTipKey + `', '')`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("apply migration v4 statement: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     5,
		Description: "add geolocation sensor columns",
		Up: func(tx *sql.Tx) error {
			for _, column := range []string{"altitude", "altitude_accuracy", "speed", "heading"} {
				if _, err := tx.Exec(`ALTER TABLE geolocation ADD COLUMN ` + column + ` REAL`); err != nil {
					return fmt.Errorf("add geolocation.%s: %w", column, err)
				}
			}
			return nil
		},
	},
}

func DefaultMigrations() []Migration {
	out := make([]Migration, len(defaultMigrations))
	copy(out, defaultMigrations)
	return out
}

func CurrentSchemaVersion() int {
	return maxMigrationVersion(defaultMigrations)
}

// ValidateMigrations checks that versions are positive and strictly increasing
// in the order given. Migrations are never reordered: a list that needs sorting
// is a list that was written wrong.
func ValidateMigrations(migrations []Migration) error {
	previous := 0
	for i, migration := range migrations {
		if migration.Version <= 0 {
			return &MigrationOrderError{Version: migration.Version, Reason: "version must be positive"}
		}
		if migration.Up == nil {
			return &MigrationOrderError{Version: migration.Version, Reason: "missing forward script"}
		}
		if i > 0 && migration.Version <= previous {
			reason := "version must be strictly greater than its predecessor"
			if migration.Version == previous {
				reason = "duplicate version"
			}
			return &MigrationOrderError{Version: migration.Version, Previous: previous, Reason: reason}
		}
		previous = migration.Version
	}
	return nil
}

func RunMigrations(db *sql.DB, migrations []Migration) error {
	if db == nil {
		return fmt.Errorf("run migrations: db is nil")
	}
	if err := ValidateMigrations(migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	if err := ensureMigrationTables(db); err != nil {
		return err
	}

	current, err := readSchemaVersion(db)
	if err != nil {
		return unavailable("run migrations", err)
	}

	maxVersion := maxMigrationVersion(migrations)
	if current > maxVersion {
		return fmt.Errorf("%w: db=%d code=%d", ErrSchemaTooNew, current, maxVersion)
	}

	applied, err := readAppliedVersions(db)
	if err != nil {
		return unavailable("run migrations", err)
	}

	for _, migration := range migrations {
		if migration.Version <= current {
			if _, ok := applied[migration.Version]; !ok && len(applied) > 0 {
				return fmt.Errorf("run migrations: %w", &MigrationOrderError{
					Version:  migration.Version,
					Previous: current,
					Reason:   "not applied but older than the current schema version",
				})
			}
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return unavailable(fmt.Sprintf("begin migration v%d", migration.Version), err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d (%s): %w", migration.Version, migration.Description, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations(version, description, applied_at) VALUES (?, ?, ?)`, migration.Version, migration.Description, nowUTCString()); err != nil {
			_ = tx.Rollback()
			return unavailable(fmt.Sprintf("record schema migration v%d", migration.Version), err)
		}

		if _, err := tx.Exec(`INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, schemaVersionMetaKey, strconv.Itoa(migration.Version)); err != nil {
			_ = tx.Rollback()
			return unavailable(fmt.Sprintf("update schema version v%d", migration.Version), err)
		}

		if err := tx.Commit(); err != nil {
			return unavailable(fmt.Sprintf("commit migration v%d", migration.Version), err)
		}
		current = migration.Version
	}

	return nil
}

type AppliedMigration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// AppliedMigrations lists recorded migrations in version order.
func AppliedMigrations(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query(`SELECT version, description, applied_at FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		return nil, unavailable("list applied migrations", err)
	}
	defer rows.Close()

	out := []AppliedMigration{}
	for rows.Next() {
		var (
			m       AppliedMigration
			applied string
		)
		if err := rows.Scan(&m.Version, &m.Description, &applied); err != nil {
			return nil, unavailable("list applied migrations: scan row", err)
		}
		m.AppliedAt, err = parseTime(applied)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list applied migrations: iterate", err)
	}
	return out, nil
}

func ensureMigrationTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			applied_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO store_meta(key, value) VALUES('` + schemaVersionMetaKey + `', '0')`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return unavailable("ensure migration tables", err)
		}
	}
	return nil
}

func readSchemaVersion(db *sql.DB) (int, error) {
	var versionStr string
	if err := db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&versionStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionStr, err)
	}
	return version, nil
}

func readAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	defer rows.Close()

	out := map[int]struct{}{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("read applied versions: scan row: %w", err)
		}
		out[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read applied versions: iterate: %w", err)
	}
	return out, nil
}

func maxMigrationVersion(migrations []Migration) int {
	max := 0
	for _, migration := range migrations {
		if migration.Version > max {
			max = migration.Version
		}
	}
	return max
}

func nowUTCString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
