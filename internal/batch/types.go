// Package batch moves transcript entries from the live session store to
// durable storage in ordered, idempotent batches.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/coachly/coachly/internal/identity"
	"github.com/coachly/coachly/internal/livesession"
)

var (
	// ErrPartialBatch reports that some entries failed validation; the whole
	// batch is rejected and stays pending.
	ErrPartialBatch = errors.New("batch rejected: invalid entries")
	// ErrFlushTimeout reports that a forced save ran out of time.
	ErrFlushTimeout = errors.New("flush timed out")
	ErrClosed       = errors.New("batch engine is shut down")
)

// LiveStore is the part of livesession.Store the engine drains.
type LiveStore interface {
	Bot(botID string) (livesession.BotInfo, bool)
	UnsavedEntries(botID string) []livesession.TranscriptEntry
	MarkSaved(botID string, keys []string) int
	Counts(botID string) (total, pending int, ok bool)
	ListSessionIDs() []string
}

// Ensurer resolves the durable session of a bot.
type Ensurer interface {
	EnsureSession(ctx context.Context, botID, ownerID string, hints identity.Hints) (identity.Result, error)
}

// SaveStatus is the derived save state of one bot.
type SaveStatus struct {
	BotID         string     `json:"bot_id"`
	SessionID     string     `json:"session_id,omitempty"`
	PendingCount  int        `json:"pending_count"`
	SavedCount    int        `json:"saved_count"`
	TotalCount    int        `json:"total_count"`
	LastSaveAt    *time.Time `json:"last_save_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	FailureCount  int        `json:"failure_count"`
	InFlight      bool       `json:"in_flight"`
}

// SaveResult is the outcome of ForceSave.
type SaveResult struct {
	Success    bool
	SavedCount int
	Error      error
}
