// Package sqlite implements storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/coachly/coachly/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS coaching_sessions (
	id          TEXT PRIMARY KEY,
	bot_id      TEXT NOT NULL UNIQUE,
	owner_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	meeting_url TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transcript_entries (
	session_id  TEXT NOT NULL REFERENCES coaching_sessions(id) ON DELETE CASCADE,
	entry_key   TEXT NOT NULL,
	entry_index INTEGER NOT NULL,
	speaker     TEXT NOT NULL,
	text        TEXT NOT NULL,
	spoken_at   TEXT NOT NULL,
	confidence  REAL NOT NULL DEFAULT 0,
	is_final    INTEGER NOT NULL DEFAULT 1,
	start_time  REAL,
	end_time    REAL,
	PRIMARY KEY (session_id, entry_key)
);

CREATE UNIQUE INDEX IF NOT EXISTS transcript_entries_order
	ON transcript_entries (session_id, entry_index);
`

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. ":memory:" yields a
// private in-memory database.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps the batch transaction and the in-memory database on a
	// single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(slog.String("service", "storage.sqlite")),
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetSessionByBotID(ctx context.Context, botID string) (storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, bot_id, owner_id, status, meeting_url, metadata, created_at, updated_at
		FROM coaching_sessions
		WHERE bot_id = ?
	`, strings.TrimSpace(botID))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Session{}, storage.ErrNotFound
	}
	return sess, err
}

func (s *Store) CreateSession(ctx context.Context, input storage.CreateSessionInput) (storage.Session, error) {
	status := input.Status
	if status == "" {
		status = storage.SessionStatusCreated
	}
	meta := input.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return storage.Session{}, fmt.Errorf("marshal metadata: %w", err)
	}
	now := s.now().UTC()
	sess := storage.Session{
		ID:         uuid.NewString(),
		BotID:      strings.TrimSpace(input.BotID),
		OwnerID:    input.OwnerID,
		Status:     status,
		MeetingURL: input.MeetingURL,
		Metadata:   meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coaching_sessions (id, bot_id, owner_id, status, meeting_url, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.BotID, sess.OwnerID, sess.Status, sess.MeetingURL, string(metaJSON), formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Session{}, storage.ErrConflict
		}
		return storage.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (s *Store) AppendTranscriptBatch(ctx context.Context, sessionID string, entries []storage.Entry) (storage.BatchResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var metaJSON string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM coaching_sessions WHERE id = ?`, sessionID).Scan(&metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BatchResult{}, storage.ErrNotFound
		}
		return storage.BatchResult{}, fmt.Errorf("load session: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(entry_index) + 1, 0) FROM transcript_entries WHERE session_id = ?
	`, sessionID).Scan(&next); err != nil {
		return storage.BatchResult{}, fmt.Errorf("next entry index: %w", err)
	}

	inserted := 0
	for _, e := range entries {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_entries
				(session_id, entry_key, entry_index, speaker, text, spoken_at, confidence, is_final, start_time, end_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, entry_key) DO NOTHING
		`, sessionID, e.Key, next, e.Speaker, e.Text, formatTime(e.Timestamp), e.Confidence, e.IsFinal,
			nullFloat(e.StartTime), nullFloat(e.EndTime))
		if err != nil {
			return storage.BatchResult{}, fmt.Errorf("insert entry %s: %w", e.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storage.BatchResult{}, fmt.Errorf("insert entry %s: %w", e.Key, err)
		}
		if n > 0 {
			inserted++
			next++
		}
	}

	meta := map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			s.logger.Warn("discarding unreadable session metadata", slog.String("session_id", sessionID), slog.Any("error", err))
			meta = map[string]any{}
		}
	}
	now := s.now().UTC()
	updated, err := json.Marshal(storage.BatchMetadata(meta, now, next))
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE coaching_sessions SET metadata = ?, updated_at = ? WHERE id = ?
	`, string(updated), formatTime(now), sessionID); err != nil {
		return storage.BatchResult{}, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return storage.BatchResult{Inserted: inserted, Total: next}, nil
}

func (s *Store) ListTranscript(ctx context.Context, sessionID string) ([]storage.Entry, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM coaching_sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_key, entry_index, speaker, text, spoken_at, confidence, is_final, start_time, end_time
		FROM transcript_entries
		WHERE session_id = ?
		ORDER BY entry_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var (
			e          storage.Entry
			spokenAt   string
			start, end sql.NullFloat64
		)
		if err := rows.Scan(&e.Key, &e.Index, &e.Speaker, &e.Text, &spokenAt, &e.Confidence, &e.IsFinal, &start, &end); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.Timestamp, err = parseTime(spokenAt); err != nil {
			return nil, fmt.Errorf("parse entry time: %w", err)
		}
		e.StartTime = floatPtr(start)
		e.EndTime = floatPtr(end)
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.Session, error) {
	var (
		sess                 storage.Session
		metaJSON             string
		createdAt, updatedAt string
	)
	if err := row.Scan(&sess.ID, &sess.BotID, &sess.OwnerID, &sess.Status, &sess.MeetingURL, &metaJSON, &createdAt, &updatedAt); err != nil {
		return storage.Session{}, err
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
			return storage.Session{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	var err error
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return storage.Session{}, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		code == sqlite3.SQLITE_CONSTRAINT
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
