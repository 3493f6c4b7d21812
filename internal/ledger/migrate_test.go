package ledger

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"ledger_entries", "entity_states", "notify_outbox", "signing_keys"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migrations applied, got %d", count)
	}
}

func TestMigrateSQLiteEntriesImmutable(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_immutable?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO ledger_entries(sequence, kind, payload, recorded_at, prev_hash, hash, key_id, signature) VALUES(1, 'k', '{}', 't', 'p', 'h', 'key', x'00')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(`UPDATE ledger_entries SET kind = 'x' WHERE sequence = 1`); err == nil {
		t.Fatalf("expected update to be refused")
	}
	if _, err := db.Exec(`DELETE FROM ledger_entries`); err == nil {
		t.Fatalf("expected delete to be refused")
	}
}

func TestMigrationHelpers(t *testing.T) {
	if _, _, err := migrationConfig(DBPostgres); err != nil {
		t.Fatalf("expected postgres config, got %v", err)
	}
	if _, _, err := migrationConfig(DBDriver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}

	if err := ensureMigrationsTable(&sql.DB{}, DBDriver("nope"), "t"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}

	migrations, err := loadMigrations("migrations/postgres")
	if err != nil || len(migrations) != 2 {
		t.Fatalf("load migrations: %v %v", migrations, err)
	}
	if migrations[0].version >= migrations[1].version {
		t.Fatalf("migrations out of order: %s, %s", migrations[0].version, migrations[1].version)
	}
	if !strings.HasPrefix(migrations[0].checksum, "sha256:") {
		t.Fatalf("unexpected checksum %q", migrations[0].checksum)
	}
}

func TestMigrateSQLiteDetectsDrift(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_drift?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`UPDATE schema_migrations SET checksum = 'sha256:edited' WHERE version = '0001_ledger'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := Migrate(db, DBSQLite); !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}
}
