// Package archive writes journal events to Postgres for long-term
// retention beyond the in-memory cap. The archive is advisory: if it is
// unavailable the serving path is unaffected.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ccsync/api/internal/journal"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS journal_events (
    id     BIGSERIAL PRIMARY KEY,
    ts     TEXT  NOT NULL,
    type   TEXT  NOT NULL,
    action TEXT  NOT NULL,
    source TEXT  NOT NULL,
    data   JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_events_ts_idx ON journal_events (ts);
`

type Postgres struct {
	db *sql.DB
}

func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) InsertEvent(ctx context.Context, ev journal.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO journal_events (ts, type, action, source, data) VALUES ($1, $2, $3, $4, $5)`,
		ev.TS, ev.Type, ev.Action, ev.Source, data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// InsertEvents archives a batch inside one transaction so a mid-batch
// failure never leaves a partial write.
func (p *Postgres) InsertEvents(ctx context.Context, events []journal.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO journal_events (ts, type, action, source, data) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.TS, ev.Type, ev.Action, ev.Source, data); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CountSince reports how many archived events carry a timestamp strictly
// after the cursor. Timestamps sort lexicographically.
func (p *Postgres) CountSince(ctx context.Context, since string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal_events WHERE ts > $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
