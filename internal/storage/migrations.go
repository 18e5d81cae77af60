package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// MigrationManager manages database schema migrations using plain SQL files
// read from an fs.FS (normally a go:embed'd directory, so the binary carries
// its own schema and migrations never depend on the process's working
// directory). It reads NNN_name.up.sql / NNN_name.down.sql files and applies
// them in order, tracking the current version in a schema_migrations table.
// CGO-free, works with modernc.org/sqlite.
type MigrationManager struct {
	db            *sql.DB
	migrations    fs.FS
	migrationsDir string
}

type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewMigrationManager creates a new MigrationManager for the given database,
// reading migration files from dir within migrations.
func NewMigrationManager(db *sql.DB, migrations fs.FS, dir string) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}

	mgr := &MigrationManager{db: db, migrations: migrations, migrationsDir: dir}

	if err := mgr.ensureSchemaTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return mgr, nil
}

func (mgr *MigrationManager) ensureSchemaTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order. Returns nil
// if already up-to-date.
func (mgr *MigrationManager) Up() error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, _, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		sqlBytes, err := fs.ReadFile(mgr.migrations, m.upFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", m.upFile, err)
		}

		if _, err := mgr.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.version, m.name, err)
		}

		if _, err := mgr.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("migrations: failed to record version %d: %w", m.version, err)
		}
	}

	return nil
}

// Down rolls back all applied migrations in descending version order.
func (mgr *MigrationManager) Down() error {
	migrations, err := mgr.loadMigrations()
	if err != nil {
		return fmt.Errorf("migrations: failed to load migration files: %w", err)
	}

	currentVersion, _, err := mgr.Version()
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version > migrations[j].version
	})

	for _, m := range migrations {
		if m.version > currentVersion {
			continue
		}

		sqlBytes, err := fs.ReadFile(mgr.migrations, m.downFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", m.downFile, err)
		}

		if _, err := mgr.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", m.version, m.name, err)
		}

		if _, err := mgr.db.Exec("DELETE FROM schema_migrations WHERE version = ?", m.version); err != nil {
			return fmt.Errorf("migrations: failed to remove version %d: %w", m.version, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version. Returns
// (0, false, ErrNoMigration) when no migration has been applied.
func (mgr *MigrationManager) Version() (uint, bool, error) {
	var version uint
	err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, false, fmt.Errorf("migrations: failed to query version: %w", err)
	}

	if version == 0 {
		return 0, false, ErrNoMigration
	}

	return version, false, nil
}

// Close is a no-op; the db is managed externally.
func (mgr *MigrationManager) Close() error {
	return nil
}

// loadMigrations reads and parses migration files from the directory. Files
// must be named NNN_name.up.sql (NNN zero-padded). Returns migrations sorted
// by version ascending.
func (mgr *MigrationManager) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(mgr.migrations, mgr.migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	migrationMap := make(map[uint]*migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		underscoreIdx := strings.Index(name, "_")
		if underscoreIdx < 0 {
			continue
		}
		versionStr := name[:underscoreIdx]
		rest := name[underscoreIdx+1:]

		versionInt, err := strconv.ParseUint(versionStr, 10, 64)
		if err != nil {
			continue
		}
		version := uint(versionInt)

		fullPath := mgr.migrationsDir + "/" + name

		m, ok := migrationMap[version]
		if !ok {
			m = &migration{version: version}
			migrationMap[version] = m
		}

		if strings.HasSuffix(rest, ".up.sql") {
			m.name = strings.TrimSuffix(rest, ".up.sql")
			m.upFile = fullPath
		} else if strings.HasSuffix(rest, ".down.sql") {
			m.downFile = fullPath
		}
	}

	migrations := make([]migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		if m.upFile == "" {
			continue
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}
