package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the conversation log in PostgreSQL so it survives
// restarts until it is uploaded.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_log (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			ts_ms BIGINT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_log (id, type, text, data, filename, ts_ms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		string(entry.Type),
		entry.Text,
		entry.Data,
		entry.Filename,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, text, data, filename, ts_ms FROM conversation_log ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e   Entry
			typ string
		)
		if err := rows.Scan(&e.ID, &typ, &e.Text, &e.Data, &e.Filename, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Type = EntryType(typ)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_log`); err != nil {
		return fmt.Errorf("clear log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
