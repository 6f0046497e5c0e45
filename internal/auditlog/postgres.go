package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// sequenceLockID is the advisory lock key that serializes sequence
// assignment across every process writing to the same database.
const sequenceLockID = 0x61756469

// OpenPostgres connects to Postgres through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, url string) (Store, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", unavailable(err))
	}

	s, err := newSQLStore(ctx, db, dialect{
		name:   "postgres",
		lock:   fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", sequenceLockID),
		dollar: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
