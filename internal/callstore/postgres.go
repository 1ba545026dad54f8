package callstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrationsFS embed.FS

// PostgresStore implements Store on PostgreSQL, selected by configuring a
// DSN. Used when call records must be shared with the surrounding platform.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a PostgreSQL connection and runs pending migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql call record store opened")
	return s, nil
}

// migrate runs all pending SQL migration files in order.
func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(pgMigrationsFS, "pgmigrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := pgMigrationsFS.ReadFile(filepath.Join("pgmigrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// UpsertStatus implements Store. Re-writing the unchanged status is a full
// no-op: not even updated_at moves.
func (s *PostgresStore) UpsertStatus(ctx context.Context, callKey, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_key, status) VALUES ($1, $2)
		 ON CONFLICT (call_key) DO UPDATE SET
		   status = EXCLUDED.status,
		   updated_at = NOW()
		 WHERE call_records.status IS DISTINCT FROM EXCLUDED.status`,
		callKey, status,
	)
	if err != nil {
		return fmt.Errorf("upserting call status: %w", err)
	}
	return nil
}

// UpsertConversationID implements Store.
func (s *PostgresStore) UpsertConversationID(ctx context.Context, callKey, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_key, conversation_id) VALUES ($1, $2)
		 ON CONFLICT (call_key) DO UPDATE SET
		   conversation_id = EXCLUDED.conversation_id,
		   updated_at = NOW()
		 WHERE call_records.conversation_id = '' OR call_records.conversation_id = EXCLUDED.conversation_id`,
		callKey, conversationID,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking upsert result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("call %s: %w", callKey, ErrConversationConflict)
	}
	return nil
}

// GetByKey implements Store.
func (s *PostgresStore) GetByKey(ctx context.Context, callKey string) (*CallRecord, error) {
	var rec CallRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT call_key, status, conversation_id, created_at, updated_at
		 FROM call_records WHERE call_key = $1`, callKey,
	).Scan(&rec.CallKey, &rec.Status, &rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return &rec, nil
}

// ListRecent implements Store.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_key, status, conversation_id, created_at, updated_at
		 FROM call_records ORDER BY updated_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing call records: %w", err)
	}
	defer rows.Close()

	var recs []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(&rec.CallKey, &rec.Status, &rec.ConversationID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call record rows: %w", err)
	}
	return recs, nil
}

// CountByStatus implements Store.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM call_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}
	return counts, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
