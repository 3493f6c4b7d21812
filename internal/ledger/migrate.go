package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/tollgate/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// ErrMigrationDrift means an applied migration no longer matches the file
// shipped in this binary. The schema under an append-only ledger must not
// change behind its back, so Migrate refuses to continue.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

type migration struct {
	version  string
	sql      string
	checksum string
}

// Migrate applies embedded migrations in version order. Each applied
// version is recorded with the digest of its file; a rerun skips matching
// versions and fails on any whose file has changed.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return fmt.Errorf("missing db")
	}
	dir, table, err := migrationConfig(driver)
	if err != nil {
		return err
	}
	if err := ensureMigrationsTable(db, driver, table); err != nil {
		return err
	}
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := applyMigration(db, driver, table, m, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.version, err)
		}
		if applied {
			continue
		}
		recorded, err := recordedChecksum(db, driver, table, m.version)
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.version, err)
		}
		if recorded != m.checksum {
			return fmt.Errorf("migration %s: %w (recorded %s, embedded %s)", m.version, ErrMigrationDrift, recorded, m.checksum)
		}
	}
	return nil
}

// applyMigration claims the version row and runs the file in one
// transaction, so concurrent gateways apply each migration once. It reports
// false when another run already holds the version.
func applyMigration(db *sql.DB, driver DBDriver, table string, m migration, now time.Time) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, err
	}
	claimed, err := claimVersion(tx, driver, table, m, now)
	if err != nil || !claimed {
		_ = tx.Rollback()
		return false, err
	}
	if _, err := tx.Exec(m.sql); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("apply: %w", err)
	}
	return true, tx.Commit()
}

func migrationConfig(driver DBDriver) (dir string, table string, err error) {
	switch driver {
	case DBSQLite:
		return "migrations/sqlite", "schema_migrations", nil
	case DBPostgres:
		return "migrations/postgres", "tollgate_schema_migrations", nil
	default:
		return "", "", fmt.Errorf("unsupported db driver: %s", driver)
	}
}

func ensureMigrationsTable(db *sql.DB, driver DBDriver, table string) error {
	var appliedAt string
	switch driver {
	case DBSQLite:
		appliedAt = "TEXT"
	case DBPostgres:
		appliedAt = "TIMESTAMPTZ"
	default:
		return fmt.Errorf("unsupported db driver: %s", driver)
	}
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  version TEXT PRIMARY KEY,
  checksum TEXT NOT NULL,
  applied_at %s NOT NULL
)`, table, appliedAt))
	return err
}

func claimVersion(tx *sql.Tx, driver DBDriver, table string, m migration, now time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch driver {
	case DBSQLite:
		res, err = tx.Exec(fmt.Sprintf(`INSERT INTO %s(version, checksum, applied_at) VALUES(?, ?, ?) ON CONFLICT(version) DO NOTHING`, table), m.version, m.checksum, now.Format(time.RFC3339))
	case DBPostgres:
		res, err = tx.Exec(fmt.Sprintf(`INSERT INTO %s(version, checksum, applied_at) VALUES($1, $2, $3) ON CONFLICT(version) DO NOTHING`, table), m.version, m.checksum, now)
	default:
		return false, fmt.Errorf("unsupported db driver: %s", driver)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func recordedChecksum(db *sql.DB, driver DBDriver, table string, version string) (string, error) {
	query := fmt.Sprintf(`SELECT checksum FROM %s WHERE version = ?`, table)
	if driver == DBPostgres {
		query = fmt.Sprintf(`SELECT checksum FROM %s WHERE version = $1`, table)
	}
	var checksum string
	if err := db.QueryRow(query, version).Scan(&checksum); err != nil {
		return "", err
	}
	return checksum, nil
}

// loadMigrations reads dir's .sql files sorted by name. The version is the
// file name without its extension.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		raw, err := migrationsFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, migration{
			version:  strings.TrimSuffix(e.Name(), ".sql"),
			sql:      string(raw),
			checksum: crypto.DigestWithPrefix(raw),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
