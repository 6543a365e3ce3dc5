package zoesync

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ============================================================================
// SQLiteStore
// ============================================================================

// SQLiteStore is a MutationStore backed by a SQLite file, so queued writes
// survive process restarts. FIFO order is the rowid insertion order.
//
// The database is configured with WAL mode for concurrent reads during
// writes, NORMAL synchronous mode, and a 5-second busy timeout.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore creates or opens the queue database at path.
// Safe to call on an existing database; the schema is idempotent.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, m *Mutation) error {
	data, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("failed to encode mutation data: %w", err)
	}
	var matchKeys []byte
	if len(m.MatchKeys) > 0 {
		if matchKeys, err = json.Marshal(m.MatchKeys); err != nil {
			return fmt.Errorf("failed to encode match keys: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mutations (id, user_id, table_name, op, data, match_keys, retry_count, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Table, string(m.Op), string(data), nullableText(matchKeys),
		m.RetryCount, nullableString(m.Error), m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MutationsByUser(ctx context.Context, userID string) ([]*Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, table_name, op, data, match_keys, retry_count, error, created_at
		FROM mutations WHERE user_id = ? ORDER BY rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var result []*Mutation
	for rows.Next() {
		var (
			m         Mutation
			op        string
			data      string
			matchKeys sql.NullString
			errMsg    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Table, &op, &data, &matchKeys, &m.RetryCount, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Op = Operation(op)
		if err := json.Unmarshal([]byte(data), &m.Data); err != nil {
			return nil, fmt.Errorf("failed to decode mutation data: %w", err)
		}
		if matchKeys.Valid {
			if err := json.Unmarshal([]byte(matchKeys.String), &m.MatchKeys); err != nil {
				return nil, fmt.Errorf("failed to decode match keys: %w", err)
			}
		}
		m.Error = errMsg.String
		if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		result = append(result, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mutations: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) UpdateMutation(ctx context.Context, id string, patch MutationPatch) error {
	if patch.RetryCount == nil && patch.Error == nil {
		return nil
	}
	query := "UPDATE mutations SET "
	var args []any
	if patch.RetryCount != nil {
		query += "retry_count = ?"
		args = append(args, *patch.RetryCount)
	}
	if patch.Error != nil {
		if len(args) > 0 {
			query += ", "
		}
		query += "error = ?"
		args = append(args, *patch.Error)
	}
	query += " WHERE id = ?"
	args = append(args, id)

	// Zero rows affected means the record was already removed; not an error.
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update mutation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove mutation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mutations").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mutations: %w", err)
	}
	return count, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
