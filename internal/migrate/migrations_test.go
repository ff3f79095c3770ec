package migrate

import (
	"testing"

	"devchain/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version == 0 {
		t.Fatal("user_version not bumped")
	}

	// already up to date: a second run applies nothing and succeeds
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&again); err != nil {
		t.Fatalf("reread user_version: %v", err)
	}
	if again != version {
		t.Fatalf("user_version moved from %d to %d", version, again)
	}

	// the schema is actually there
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM watchers`).Scan(&n); err != nil {
		t.Fatalf("query watchers: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh watchers table has %d rows", n)
	}
}
