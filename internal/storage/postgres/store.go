// Package postgres implements storage.Store on the sqlc queries in
// internal/db/sqlc.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/coachly/coachly/internal/db"
	"github.com/coachly/coachly/internal/db/sqlc"
	"github.com/coachly/coachly/internal/storage"
)

// Conn is the subset of *pgxpool.Pool the store needs.
type Conn interface {
	sqlc.DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type Store struct {
	conn    Conn
	queries *sqlc.Queries
	logger  *slog.Logger
	close   func()
}

var _ storage.Store = (*Store)(nil)

// New wraps conn. closeFn, if set, is called by Close.
func New(log *slog.Logger, conn Conn, closeFn func()) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		conn:    conn,
		queries: sqlc.New(conn),
		logger:  log.With(slog.String("service", "storage.postgres")),
		close:   closeFn,
	}
}

func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *Store) GetSessionByBotID(ctx context.Context, botID string) (storage.Session, error) {
	row, err := s.queries.GetCoachingSessionByBotID(ctx, strings.TrimSpace(botID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session by bot id: %w", err)
	}
	return toSession(row)
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
	row, err := s.queries.CreateCoachingSession(ctx, sqlc.CreateCoachingSessionParams{
		BotID:      strings.TrimSpace(input.BotID),
		OwnerID:    input.OwnerID,
		Status:     status,
		MeetingUrl: input.MeetingURL,
		Metadata:   metaJSON,
	})
	if err != nil {
		if db.IsUniqueViolation(err) {
			return storage.Session{}, storage.ErrConflict
		}
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	return toSession(row)
}

func (s *Store) AppendTranscriptBatch(ctx context.Context, sessionID string, entries []storage.Entry) (storage.BatchResult, error) {
	pgID, err := db.ParseUUID(sessionID)
	if err != nil {
		return storage.BatchResult{}, storage.ErrNotFound
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	qtx := s.queries.WithTx(tx)

	// Row lock serializes concurrent batches for one session so entry_index
	// stays gap free.
	metaJSON, err := qtx.LockCoachingSession(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.BatchResult{}, storage.ErrNotFound
		}
		return storage.BatchResult{}, fmt.Errorf("lock session: %w", err)
	}
	next, err := qtx.NextTranscriptEntryIndex(ctx, pgID)
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("next entry index: %w", err)
	}

	inserted := 0
	for _, e := range entries {
		n, err := qtx.InsertTranscriptEntry(ctx, sqlc.InsertTranscriptEntryParams{
			SessionID:  pgID,
			EntryKey:   e.Key,
			EntryIndex: next,
			Speaker:    e.Speaker,
			Text:       e.Text,
			SpokenAt:   db.TimeToPg(e.Timestamp),
			Confidence: e.Confidence,
			IsFinal:    e.IsFinal,
			StartTime:  db.Float8(e.StartTime),
			EndTime:    db.Float8(e.EndTime),
		})
		if err != nil {
			return storage.BatchResult{}, fmt.Errorf("insert entry %s: %w", e.Key, err)
		}
		if n > 0 {
			inserted++
			next++
		}
	}

	meta := map[string]any{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			s.logger.Warn("discarding unreadable session metadata", slog.String("session_id", sessionID), slog.Any("error", err))
			meta = map[string]any{}
		}
	}
	updated, err := json.Marshal(storage.BatchMetadata(meta, time.Now(), int(next)))
	if err != nil {
		return storage.BatchResult{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := qtx.UpdateCoachingSessionMetadata(ctx, sqlc.UpdateCoachingSessionMetadataParams{
		ID:       pgID,
		Metadata: updated,
	}); err != nil {
		return storage.BatchResult{}, fmt.Errorf("update session metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.BatchResult{}, fmt.Errorf("commit: %w", err)
	}
	return storage.BatchResult{Inserted: inserted, Total: int(next)}, nil
}

func (s *Store) ListTranscript(ctx context.Context, sessionID string) ([]storage.Entry, error) {
	pgID, err := db.ParseUUID(sessionID)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	if _, err := s.queries.GetCoachingSessionByID(ctx, pgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	rows, err := s.queries.ListTranscriptEntries(ctx, pgID)
	if err != nil {
		return nil, fmt.Errorf("list transcript: %w", err)
	}
	out := make([]storage.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.Entry{
			Key:        r.EntryKey,
			Index:      int(r.EntryIndex),
			Speaker:    r.Speaker,
			Text:       r.Text,
			Timestamp:  db.TimeFromPg(r.SpokenAt),
			Confidence: r.Confidence,
			IsFinal:    r.IsFinal,
			StartTime:  db.Float8Ptr(r.StartTime),
			EndTime:    db.Float8Ptr(r.EndTime),
		})
	}
	return out, nil
}

func toSession(row sqlc.CoachingSession) (storage.Session, error) {
	sess := storage.Session{
		ID:         row.ID.String(),
		BotID:      row.BotID,
		OwnerID:    row.OwnerID,
		Status:     row.Status,
		MeetingURL: row.MeetingUrl,
		CreatedAt:  db.TimeFromPg(row.CreatedAt),
		UpdatedAt:  db.TimeFromPg(row.UpdatedAt),
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &sess.Metadata); err != nil {
			return storage.Session{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return sess, nil
}
