package migrations

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUpCreatesTables(t *testing.T) {
	db := openMemoryDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	tables := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatal(err)
		}
		tables[name] = true
	}
	for _, want := range []string{"repositories", "archives", "file_hashes", "settings", "schema_migrations"} {
		if !tables[want] {
			t.Errorf("table %s missing after migration (have %v)", want, tables)
		}
	}
}

func TestMigrateUpIdempotent(t *testing.T) {
	db := openMemoryDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("first MigrateUp() error = %v", err)
	}
	if err := MigrateUp(db); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}
}

func TestCheckStatus(t *testing.T) {
	db := openMemoryDB(t)

	if err := CheckStatus(db); err == nil {
		t.Error("CheckStatus() on unmigrated database = nil, want error")
	}

	if err := MigrateUp(db); err != nil {
		t.Fatal(err)
	}
	if err := CheckStatus(db); err != nil {
		t.Errorf("CheckStatus() after migration error = %v", err)
	}
}
