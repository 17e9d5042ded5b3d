// Package database provides the SQLite database the archive is built
// on: connection management, WAL checkpointing, and versioned schema
// migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/logging"
)

// Connection pool constants.
const (
	// MaxOpenConns limits concurrent database connections. SQLite with
	// WAL mode only supports one writer at a time, so many connections
	// just increase lock contention.
	MaxOpenConns = 8

	// BaseIdleConns is the minimum number of idle connections to keep.
	BaseIdleConns = 2

	// MaxIdleConns caps idle connections to bound memory use.
	MaxIdleConns = 4

	// IdleConnsPerAccount is how many additional idle connections to
	// keep per configured account.
	IdleConnsPerAccount = 1

	// CheckpointInterval is how often the background routine runs a
	// passive WAL checkpoint.
	CheckpointInterval = 5 * time.Minute
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the archive's SQLite database at path. The
// archive trades a little write throughput for durability: unlike a
// typical desktop client, synchronous=FULL is used so a crash cannot
// leave a write acknowledged to a caller but lost on disk, and an
// integrity_check is run on every open so corruption is caught at
// startup rather than discovered mid-export.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(MaxOpenConns)
	sqlDB.SetMaxIdleConns(BaseIdleConns)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}

	if err := db.checkIntegrity(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) checkIntegrity() error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return archiveerr.Wrap(archiveerr.KindSchemaCorrupt, "integrity_check query failed", err)
	}
	if result != "ok" {
		return archiveerr.New(archiveerr.KindSchemaCorrupt, "PRAGMA integrity_check reported: "+result)
	}
	return nil
}

// UpdateIdleConns adjusts the number of idle connections based on
// account count: BaseIdleConns + numAccounts*IdleConnsPerAccount,
// capped at MaxIdleConns.
func (db *DB) UpdateIdleConns(numAccounts int) {
	log := logging.WithComponent("database")

	idleConns := BaseIdleConns + (numAccounts * IdleConnsPerAccount)
	if idleConns < BaseIdleConns {
		idleConns = BaseIdleConns
	}
	if idleConns > MaxIdleConns {
		idleConns = MaxIdleConns
	}

	db.SetMaxIdleConns(idleConns)

	log.Debug().
		Int("accounts", numAccounts).
		Int("idleConns", idleConns).
		Msg("Updated database connection pool")
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint runs a passive WAL checkpoint, merging the write-ahead
// log back into the main database file without blocking writers.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs Checkpoint on a timer until ctx is canceled.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("database")

	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	log.Debug().Dur("interval", CheckpointInterval).Msg("WAL checkpoint routine started")

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("Periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			log.Debug().Msg("WAL checkpoint routine stopped")
			return
		}
	}
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Migrate runs all pending migrations. A database whose recorded
// version is higher than the newest migration this binary knows about
// is refused with SchemaTooNew rather than silently left alone, since
// running older code against a newer schema risks writing data the
// newer schema's invariants don't expect.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	latest := migrations[len(migrations)-1].Version
	if currentVersion > latest {
		return archiveerr.New(archiveerr.KindSchemaTooNew,
			fmt.Sprintf("database schema version %d is newer than this build understands (%d)", currentVersion, latest))
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
			}
		}
	}

	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
