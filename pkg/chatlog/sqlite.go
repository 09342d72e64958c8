package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DefaultHistoryLimit is the number of records History returns when no limit is given
const DefaultHistoryLimit = 100

// SQLiteLog stores chat messages in the chats table of a SQLite database
type SQLiteLog struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (and creates if needed) the chat database at path
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteLog, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so the indexer can read while the chat handler writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "chatlog").Logger(),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Debug().Str("path", path).Msg("Chat log opened")
	return l, nil
}

func (l *SQLiteLog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT
		);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append inserts a message and returns the assigned id
func (l *SQLiteLog) Append(ctx context.Context, role Role, text string, createdAt time.Time) (int64, error) {
	if err := validate(role, text); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := l.db.ExecContext(ctx,
		"INSERT INTO chats (role, message, created_at) VALUES (?, ?, ?)",
		string(role), text, createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	return id, nil
}

// ReadSince returns records with id greater than afterID, oldest first
func (l *SQLiteLog) ReadSince(ctx context.Context, afterID int64) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT id, role, message, created_at FROM chats WHERE id > ? ORDER BY id ASC",
		afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// History returns the most recent records, newest first
func (l *SQLiteLog) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT id, role, message, created_at FROM chats ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the number of stored messages
func (l *SQLiteLog) Count(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrClosed
	}

	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// Path returns the database file path
func (l *SQLiteLog) Path() string {
	return l.path
}

// Close closes the database
func (l *SQLiteLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			rec       Record
			role      string
			createdAt sql.NullString
		)
		if err := rows.Scan(&rec.ID, &role, &rec.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.Role = Role(role)
		if createdAt.Valid {
			rec.CreatedAt = parseTimestamp(createdAt.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return records, nil
}

// parseTimestamp accepts RFC3339 and the space-separated form older rows were written in
func parseTimestamp(s string) time.Time {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
