// Package storage defines the durable persistence contract used by the
// identity resolver and the batch save engine, plus helpers shared by its
// backends (postgres, sqlite, memory).
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no durable session matches the lookup.
	ErrNotFound = errors.New("durable session not found")
	// ErrConflict reports a uniqueness violation, e.g. a second session for a bot id.
	ErrConflict = errors.New("durable session already exists")
)

// Session statuses written by the pipeline.
const (
	SessionStatusCreated = "created"
	SessionStatusActive  = "active"
	SessionStatusEnded   = "ended"
)

// Session is the persisted record representing one coaching meeting.
type Session struct {
	ID         string         `json:"session_id"`
	BotID      string         `json:"bot_id"`
	OwnerID    string         `json:"owner_id"`
	Status     string         `json:"status"`
	MeetingURL string         `json:"meeting_url,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CreateSessionInput carries the attributes of a new durable session.
type CreateSessionInput struct {
	BotID      string
	OwnerID    string
	MeetingURL string
	Status     string
	Metadata   map[string]any
}

// Entry is one transcript entry as written to durable storage. Key is the
// stable identity that makes re-insertion of the same entry a no-op.
type Entry struct {
	Key        string    `json:"key" validate:"required"`
	Index      int       `json:"index"`
	Speaker    string    `json:"speaker" validate:"required"`
	Text       string    `json:"text" validate:"required"`
	Timestamp  time.Time `json:"timestamp" validate:"required"`
	Confidence float64   `json:"confidence" validate:"gte=0,lte=1"`
	IsFinal    bool      `json:"is_final"`
	StartTime  *float64  `json:"start_time,omitempty" validate:"omitempty,gte=0"`
	EndTime    *float64  `json:"end_time,omitempty" validate:"omitempty,gte=0"`
}

// BatchResult reports the outcome of an AppendTranscriptBatch call.
// Inserted excludes entries that were already stored; Total is the number of
// entries stored for the session afterwards.
type BatchResult struct {
	Inserted int `json:"inserted"`
	Total    int `json:"total"`
}

// SessionStore resolves and creates durable sessions.
type SessionStore interface {
	GetSessionByBotID(ctx context.Context, botID string) (Session, error)
	CreateSession(ctx context.Context, input CreateSessionInput) (Session, error)
}

// TranscriptStore persists ordered transcript batches.
type TranscriptStore interface {
	// AppendTranscriptBatch writes entries in order, all or nothing. Entries
	// whose key is already stored for the session are skipped.
	AppendTranscriptBatch(ctx context.Context, sessionID string, entries []Entry) (BatchResult, error)
	ListTranscript(ctx context.Context, sessionID string) ([]Entry, error)
}

// Store is the full durable storage surface.
type Store interface {
	SessionStore
	TranscriptStore
	Ping(ctx context.Context) error
	Close() error
}

// BatchMetadata returns the session metadata keys maintained after each batch.
func BatchMetadata(existing map[string]any, at time.Time, total int) map[string]any {
	out := make(map[string]any, len(existing)+2)
	for k, v := range existing {
		out[k] = v
	}
	out["last_batch_save"] = at.UTC().Format(time.RFC3339Nano)
	out["total_transcript_entries"] = total
	return out
}
