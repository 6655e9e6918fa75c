package event

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// LatestMigrationVersion is the newest schema migration known to this build.
// Opening a database migrated beyond this version fails rather than
// downgrading.
//
// NOTE: this MUST be bumped when a migration is added.
const LatestMigrationVersion uint = 1

// ErrMigrationDowngrade is returned when the on-disk schema is newer than
// this build understands.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// OpenSQLite opens the SQLite database at the given path with WAL mode and
// the pragmas the event log wants, then applies any pending migrations.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer; the runtime serializes appends per
	// actor anyway, so a single connection keeps things simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// applyMigrations brings the schema up to LatestMigrationVersion using the
// embedded migration files.
func applyMigrations(db *sql.DB) error {
	driver, err := sqlite3mig.WithInstance(db, &sqlite3mig.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	src, err := httpfs.New(http.FS(migrationFS), "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	mig, err := migrate.NewWithInstance("migrations", src, "events", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("determine migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database dirty at migration version %d, "+
			"manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d, latest_known=%d",
			ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
