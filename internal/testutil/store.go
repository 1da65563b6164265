// Package testutil provides shared test fixtures for packages that need a
// real sqlitedb.DB rather than a fake model.Database — e.g. exercising the
// full Write -> observer -> scheduler -> diff path end to end.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sqlitewatch/fetchedcontroller/internal/sqlitedb"
)

// OpenPlayersDB opens a temp-file sqlitedb.DB and creates the toy
// "players" schema cmd/fetchdemo and the controller/sqlitedb test suites
// exercise throughout this module, closing it automatically via
// t.Cleanup.
func OpenPlayersDB(t *testing.T) *sqlitedb.DB {
	t.Helper()
	ctx := context.Background()
	db, err := sqlitedb.Open(ctx, filepath.Join(t.TempDir(), "fetchedcontroller-test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Write(ctx, nil, func(tx *sql.Tx) error {
		_, err := tx.Exec(`CREATE TABLE players(id INTEGER PRIMARY KEY, name TEXT NOT NULL, score INTEGER NOT NULL DEFAULT 0)`)
		return err
	}); err != nil {
		t.Fatalf("create players schema: %v", err)
	}
	return db
}
