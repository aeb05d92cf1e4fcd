package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestInitDB_CreatesSchema(t *testing.T) {
	conn, err := InitDB(filepath.Join(t.TempDir(), "provisioner.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	defer conn.Close()

	for _, table := range []string{"provisioning_events", "provisioning_outcomes", "operators"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestInitDB_AddsOperatorColumnToOlderDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	old, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE provisioning_events (
			id TEXT PRIMARY KEY, occurred_at TIMESTAMP NOT NULL, device_id TEXT NOT NULL,
			type TEXT NOT NULL, message TEXT NOT NULL, meta TEXT)`,
		`INSERT INTO provisioning_events (id, occurred_at, device_id, type, message)
			VALUES ('e1', '2025-01-01 00:00:00', 'dev-1', 'ERROR', 'flash failed')`,
	} {
		if _, err := old.Exec(stmt); err != nil {
			t.Fatalf("seed old schema: %v", err)
		}
	}
	_ = old.Close()

	// twice: the second open must find the column already there
	for i := 0; i < 2; i++ {
		conn, err := InitDB(path)
		if err != nil {
			t.Fatalf("InitDB #%d: %v", i+1, err)
		}
		var op string
		if err := conn.QueryRow(`SELECT operator FROM provisioning_events WHERE id = 'e1'`).Scan(&op); err != nil {
			t.Fatalf("operator column on old row: %v", err)
		}
		if op != "" {
			t.Fatalf("old row operator = %q, want empty", op)
		}
		if _, err := conn.Exec(`SELECT operator FROM provisioning_outcomes`); err != nil {
			t.Fatalf("outcomes operator column: %v", err)
		}
		_ = conn.Close()
	}
}
