// Package livesession holds the in-memory transcript of every active meeting
// bot. It is the single shared mutable resource of the pipeline: ingestion
// appends to it, the batch engine drains and acknowledges it, and viewers
// read it to catch up after joining a room.
package livesession

import (
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no live session exists for the bot.
	ErrNotFound = errors.New("live session not found")
	// ErrInvalidBotID reports an empty bot id.
	ErrInvalidBotID = errors.New("bot id is required")
)

// Bot statuses the store assigns itself. Platform statuses are passed
// through verbatim.
const (
	BotStatusUnknown = "unknown"
	BotStatusEnded   = "ended"
)

// TranscriptEntry is one utterance. Everything except Saved is fixed once
// the entry is stored.
type TranscriptEntry struct {
	Key        string    `json:"key"`
	Seq        uint64    `json:"seq"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	StartTime  *float64  `json:"start_time,omitempty"`
	EndTime    *float64  `json:"end_time,omitempty"`
	Saved      bool      `json:"saved"`
}

// BotInfo is the meeting bot metadata carried by a session.
type BotInfo struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	MeetingURL string `json:"meeting_url"`
	Platform   string `json:"platform,omitempty"`
	MeetingID  string `json:"meeting_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// BotSession is a point-in-time copy of a live session.
type BotSession struct {
	Bot           BotInfo           `json:"bot"`
	Transcript    []TranscriptEntry `json:"transcript"`
	LastUpdated   time.Time         `json:"last_updated"`
	CreatedAt     time.Time         `json:"created_at"`
	WebhookEvents int               `json:"webhook_events"`
}

// AppendResult describes what AppendEntry did with an entry.
type AppendResult struct {
	Entry TranscriptEntry
	// Replaced is the key of the trailing partial entry this one superseded.
	Replaced string
	// Duplicate is set when the entry was already present and was dropped.
	Duplicate bool
	// Created is set when the append implicitly created the session.
	Created bool
}

// SessionInfo is the debug view of a session.
type SessionInfo struct {
	BotID            string            `json:"bot_id"`
	Status           string            `json:"status"`
	MeetingURL       string            `json:"meeting_url"`
	OwnerID          string            `json:"owner_id,omitempty"`
	TranscriptLength int               `json:"transcript_length"`
	PendingCount     int               `json:"pending_count"`
	WebhookEvents    int               `json:"webhook_events"`
	CreatedAt        time.Time         `json:"created_at"`
	LastUpdated      time.Time         `json:"last_updated"`
	RecentEntries    []TranscriptEntry `json:"recent_entries"`
}

// Publisher receives live events. broadcast.Hub satisfies it.
type Publisher interface {
	Publish(room, eventType string, payload any) int
}

// TranscriptEvent is the payload of transcript:new and transcript:update.
type TranscriptEvent struct {
	BotID    string          `json:"bot_id"`
	Entry    TranscriptEntry `json:"entry"`
	Replaced string          `json:"replaced_key,omitempty"`
}

// StatusEvent is the payload of bot:status.
type StatusEvent struct {
	BotID          string `json:"bot_id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
}
