package migrate_test

import (
	"testing"

	"pulseline/internal/db"
	"pulseline/internal/migrate"
)

func TestMigrateSetsVersionAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("version %d after migrate", v)
	}

	// Reopening paths call Migrate again; the version must not move.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	again, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if again != v {
		t.Fatalf("version moved from %d to %d on re-run", v, again)
	}

	// The schema is live after migrate: core tables accept reads.
	for _, table := range []string{"tenants", "signals", "directives", "jobs"} {
		var n int
		if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestVersionOnFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec(`CREATE TABLE schema_version(version INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh version %d", v)
	}
}
