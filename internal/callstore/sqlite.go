package callstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database. This is the
// default store when no PostgreSQL DSN is configured.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the SQLite database in dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "voicebridge.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("call record database opened", "path", dbPath)
	return s, nil
}

// migrate runs all pending SQL migration files in order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
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
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
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

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
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
func (s *SQLiteStore) UpsertStatus(ctx context.Context, callKey, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_key, status) VALUES (?, ?)
		 ON CONFLICT(call_key) DO UPDATE SET
		   status = excluded.status,
		   updated_at = datetime('now')
		 WHERE call_records.status IS NOT excluded.status`,
		callKey, status,
	)
	if err != nil {
		return fmt.Errorf("upserting call status: %w", err)
	}
	return nil
}

// UpsertConversationID implements Store. The update is conditional: a row
// that already carries a different conversation id is left untouched and
// the conflict is reported.
func (s *SQLiteStore) UpsertConversationID(ctx context.Context, callKey, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (call_key, conversation_id) VALUES (?, ?)
		 ON CONFLICT(call_key) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   updated_at = datetime('now')
		 WHERE call_records.conversation_id = '' OR call_records.conversation_id = excluded.conversation_id`,
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
func (s *SQLiteStore) GetByKey(ctx context.Context, callKey string) (*CallRecord, error) {
	var rec CallRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT call_key, status, conversation_id, created_at, updated_at
		 FROM call_records WHERE call_key = ?`, callKey,
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
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_key, status, conversation_id, created_at, updated_at
		 FROM call_records ORDER BY updated_at DESC LIMIT ?`, limit,
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
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
