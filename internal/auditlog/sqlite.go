package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite audit database at path.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating audit db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	// One connection keeps SQLite writers from tripping over SQLITE_BUSY and
	// keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("%s: %w (also: close: %v)", pragma, err, cerr)
			}
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s, err := newSQLStore(ctx, db, dialect{name: "sqlite"})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
