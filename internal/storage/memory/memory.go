// Package memory is a process-local storage.Store, used in tests and when
// the service runs without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachly/coachly/internal/storage"
)

// Store keeps sessions and transcripts in maps guarded by one mutex. It has
// the same dedup and ordering semantics as the database backends.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*storage.Session // by session id
	byBot    map[string]string           // bot id -> session id
	entries  map[string][]storage.Entry   // session id -> ordered entries
	keys     map[string]map[string]struct{}

	now func() time.Time
	// FailAppend, when set, is returned by AppendTranscriptBatch. Tests use it
	// to simulate an unavailable backend.
	FailAppend func(sessionID string) error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: map[string]*storage.Session{},
		byBot:    map[string]string{},
		entries:  map[string][]storage.Entry{},
		keys:     map[string]map[string]struct{}{},
		now:      time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) GetSessionByBotID(ctx context.Context, botID string) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBot[strings.TrimSpace(botID)]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return copySession(s.sessions[id]), nil
}

func (s *Store) CreateSession(ctx context.Context, input storage.CreateSessionInput) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return storage.Session{}, err
	}
	botID := strings.TrimSpace(input.BotID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byBot[botID]; ok {
		return storage.Session{}, storage.ErrConflict
	}
	status := input.Status
	if status == "" {
		status = storage.SessionStatusCreated
	}
	now := s.now().UTC()
	sess := &storage.Session{
		ID:         uuid.NewString(),
		BotID:      botID,
		OwnerID:    input.OwnerID,
		Status:     status,
		MeetingURL: input.MeetingURL,
		Metadata:   copyMetadata(input.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[sess.ID] = sess
	s.byBot[botID] = sess.ID
	s.keys[sess.ID] = map[string]struct{}{}
	return copySession(sess), nil
}

func (s *Store) AppendTranscriptBatch(ctx context.Context, sessionID string, entries []storage.Entry) (storage.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.BatchResult{}, err
	}
	if s.FailAppend != nil {
		if err := s.FailAppend(sessionID); err != nil {
			return storage.BatchResult{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return storage.BatchResult{}, storage.ErrNotFound
	}
	seen := s.keys[sessionID]
	stored := s.entries[sessionID]
	// Build the batch before mutating so a failure leaves nothing behind.
	batch := make([]storage.Entry, 0, len(entries))
	inBatch := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Key]; dup {
			continue
		}
		if _, dup := inBatch[e.Key]; dup {
			continue
		}
		inBatch[e.Key] = struct{}{}
		e.Index = len(stored) + len(batch)
		batch = append(batch, e)
	}
	for _, e := range batch {
		seen[e.Key] = struct{}{}
	}
	s.entries[sessionID] = append(stored, batch...)
	total := len(s.entries[sessionID])
	now := s.now().UTC()
	sess.Metadata = storage.BatchMetadata(sess.Metadata, now, total)
	sess.UpdatedAt = now
	return storage.BatchResult{Inserted: len(batch), Total: total}, nil
}

func (s *Store) ListTranscript(ctx context.Context, sessionID string) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, storage.ErrNotFound
	}
	out := append([]storage.Entry(nil), s.entries[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func copySession(s *storage.Session) storage.Session {
	out := *s
	out.Metadata = copyMetadata(s.Metadata)
	return out
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
