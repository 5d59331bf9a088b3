package livesession

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachly/coachly/internal/broadcast"
)

const recentEntries = 3

// Store is the process-wide map of live sessions keyed by bot id.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*session
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// session is guarded by its own mutex so bots never contend with each other.
type session struct {
	mu            sync.Mutex
	bot           BotInfo
	transcript    []TranscriptEntry
	seen          map[string]struct{}
	nextSeq       uint64
	lastUpdated   time.Time
	createdAt     time.Time
	webhookEvents int
	// evicted is set under mu when the session leaves the map. Writers that
	// raced the eviction retry against a fresh session.
	evicted bool
}

// NewStore returns an empty store. publisher may be nil.
func NewStore(log *slog.Logger, publisher Publisher) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		sessions:  map[string]*session{},
		publisher: publisher,
		logger:    log.With(slog.String("service", "livesession")),
		now:       time.Now,
	}
}

func (s *Store) lookup(botID string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[botID]
	return sess, ok
}

func (s *Store) getOrCreate(botID string) (*session, bool) {
	if sess, ok := s.lookup(botID); ok {
		return sess, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[botID]; ok {
		return sess, false
	}
	now := s.now()
	sess := &session{
		bot:         BotInfo{ID: botID, Status: BotStatusUnknown},
		seen:        map[string]struct{}{},
		lastUpdated: now,
		createdAt:   now,
	}
	s.sessions[botID] = sess
	return sess, true
}

// lockLive returns the bot's live session locked, creating it if absent.
// The caller unlocks sess.mu.
func (s *Store) lockLive(botID string) (sess *session, created bool) {
	for {
		sess, created = s.getOrCreate(botID)
		sess.mu.Lock()
		if !sess.evicted {
			return sess, created
		}
		sess.mu.Unlock()
	}
}

// evictLocked removes sess from the map. The caller holds s.mu and sess.mu.
func (s *Store) evictLocked(botID string, sess *session) {
	sess.evicted = true
	delete(s.sessions, botID)
}

// InitSession registers bot metadata. An existing session keeps its
// transcript; non-empty fields of info overwrite the stored ones.
func (s *Store) InitSession(botID string, info BotInfo) error {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return ErrInvalidBotID
	}
	sess, created := s.lockLive(botID)
	defer sess.mu.Unlock()
	mergeBotInfo(&sess.bot, info)
	sess.bot.ID = botID
	sess.lastUpdated = s.now()
	if !created {
		s.logger.Debug("session re-initialized, transcript kept",
			slog.String("bot_id", botID), slog.Int("entries", len(sess.transcript)))
	}
	return nil
}

func mergeBotInfo(dst *BotInfo, src BotInfo) {
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.MeetingURL != "" {
		dst.MeetingURL = src.MeetingURL
	}
	if src.Platform != "" {
		dst.Platform = src.Platform
	}
	if src.MeetingID != "" {
		dst.MeetingID = src.MeetingID
	}
	if src.OwnerID != "" {
		dst.OwnerID = src.OwnerID
	}
}

// AppendEntry adds entry to the bot's transcript, creating the session if
// absent, and publishes it to the bot's room. A partial entry that follows
// a trailing unsaved partial replaces it in place. An entry whose key was
// already seen is dropped.
func (s *Store) AppendEntry(botID string, entry TranscriptEntry) (AppendResult, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return AppendResult{}, ErrInvalidBotID
	}
	now := s.now()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.Key == "" {
		key, err := EntryKey(entry)
		if err != nil {
			return AppendResult{}, err
		}
		entry.Key = key
	}
	entry.Saved = false

	sess, created := s.lockLive(botID)
	defer sess.mu.Unlock()

	sess.webhookEvents++
	if _, dup := sess.seen[entry.Key]; dup {
		return AppendResult{Entry: entry, Duplicate: true, Created: created}, nil
	}
	sess.seen[entry.Key] = struct{}{}

	result := AppendResult{Created: created}
	eventType := broadcast.EventTranscriptNew
	if n := len(sess.transcript); !entry.IsFinal && n > 0 && !sess.transcript[n-1].IsFinal && !sess.transcript[n-1].Saved {
		last := sess.transcript[n-1]
		entry.Seq = last.Seq
		sess.transcript[n-1] = entry
		result.Replaced = last.Key
		eventType = broadcast.EventTranscriptUpdate
	} else {
		entry.Seq = sess.nextSeq
		sess.nextSeq++
		sess.transcript = append(sess.transcript, entry)
	}
	sess.lastUpdated = now
	result.Entry = copyEntry(entry)

	// Published under the session lock so viewers see ingestion order.
	if s.publisher != nil {
		s.publisher.Publish(broadcast.BotRoom(botID), eventType, TranscriptEvent{
			BotID:    botID,
			Entry:    copyEntry(entry),
			Replaced: result.Replaced,
		})
	}
	return result, nil
}

// UpdateBotStatus records a platform status and publishes bot:status. It
// reports false when no session exists.
func (s *Store) UpdateBotStatus(botID, status string) bool {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.evicted {
		return false
	}
	previous := sess.bot.Status
	sess.bot.Status = status
	sess.lastUpdated = s.now()
	if s.publisher != nil {
		s.publisher.Publish(broadcast.BotRoom(sess.bot.ID), broadcast.EventBotStatus, StatusEvent{
			BotID:          sess.bot.ID,
			Status:         status,
			PreviousStatus: previous,
		})
	}
	return true
}

// Get returns a copy of the bot's session.
func (s *Store) Get(botID string) (BotSession, bool) {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return BotSession{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return BotSession{
		Bot:           sess.bot,
		Transcript:    copyEntries(sess.transcript),
		LastUpdated:   sess.lastUpdated,
		CreatedAt:     sess.createdAt,
		WebhookEvents: sess.webhookEvents,
	}, true
}

// Bot returns the bot metadata of a session.
func (s *Store) Bot(botID string) (BotInfo, bool) {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return BotInfo{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.bot, true
}

// UnsavedEntries returns the unsaved entries in transcript order. The
// result is a snapshot; the store is not modified.
func (s *Store) UnsavedEntries(botID string) []TranscriptEntry {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	var out []TranscriptEntry
	for _, e := range sess.transcript {
		if !e.Saved {
			out = append(out, copyEntry(e))
		}
	}
	return out
}

// MarkSaved flips saved on the unsaved entries whose key is in keys and
// returns how many changed. Keys no longer present (superseded partials)
// are ignored.
func (s *Store) MarkSaved(botID string, keys []string) int {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok || len(keys) == 0 {
		return 0
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	marked := 0
	for i := range sess.transcript {
		e := &sess.transcript[i]
		if e.Saved {
			continue
		}
		if _, ok := want[e.Key]; ok {
			e.Saved = true
			marked++
		}
	}
	return marked
}

// Counts returns the transcript length and the number of unsaved entries.
func (s *Store) Counts(botID string) (total, pending int, ok bool) {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return 0, 0, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	total, pending = countLocked(sess)
	return total, pending, true
}

func countLocked(sess *session) (total, pending int) {
	for _, e := range sess.transcript {
		if !e.Saved {
			pending++
		}
	}
	return len(sess.transcript), pending
}

// ListSessionIDs returns every live bot id, sorted.
func (s *Store) ListSessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoveSession drops the bot's session. It reports whether one existed.
func (s *Store) RemoveSession(botID string) bool {
	botID = strings.TrimSpace(botID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[botID]
	if !ok {
		return false
	}
	sess.mu.Lock()
	s.evictLocked(botID, sess)
	sess.mu.Unlock()
	return true
}

// RemoveSaved drops the bot's session only when every entry is saved. It
// returns the unsaved count that kept the session, and whether one existed.
func (s *Store) RemoveSaved(botID string) (removed bool, pending int, ok bool) {
	botID = strings.TrimSpace(botID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[botID]
	if !ok {
		return false, 0, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, pending = countLocked(sess); pending > 0 {
		return false, pending, true
	}
	s.evictLocked(botID, sess)
	return true, 0, true
}

// SessionInfo returns the debug view of one session.
func (s *Store) SessionInfo(botID string) (SessionInfo, bool) {
	sess, ok := s.lookup(strings.TrimSpace(botID))
	if !ok {
		return SessionInfo{}, false
	}
	return infoOf(sess), true
}

// AllSessionsInfo returns the debug view of every session, ordered by bot id.
func (s *Store) AllSessionsInfo() []SessionInfo {
	ids := s.ListSessionIDs()
	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.SessionInfo(id); ok {
			out = append(out, info)
		}
	}
	return out
}

func infoOf(sess *session) SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	total, pending := countLocked(sess)
	start := total - recentEntries
	if start < 0 {
		start = 0
	}
	return SessionInfo{
		BotID:            sess.bot.ID,
		Status:           sess.bot.Status,
		MeetingURL:       sess.bot.MeetingURL,
		OwnerID:          sess.bot.OwnerID,
		TranscriptLength: total,
		PendingCount:     pending,
		WebhookEvents:    sess.webhookEvents,
		CreatedAt:        sess.createdAt,
		LastUpdated:      sess.lastUpdated,
		RecentEntries:    copyEntries(sess.transcript[start:]),
	}
}

// Cleanup evicts sessions idle for longer than maxAge whose entries are all
// saved, and returns the evicted bot ids. Sessions with unsaved entries are
// kept until a flush succeeds.
func (s *Store) Cleanup(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		_, pending := countLocked(sess)
		if pending == 0 && sess.lastUpdated.Before(cutoff) {
			s.evictLocked(id, sess)
			evicted = append(evicted, id)
		}
		sess.mu.Unlock()
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		s.logger.Info("evicted idle sessions", slog.Int("count", len(evicted)), slog.Any("bot_ids", evicted))
	}
	return evicted
}

func copyEntries(in []TranscriptEntry) []TranscriptEntry {
	out := make([]TranscriptEntry, len(in))
	for i, e := range in {
		out[i] = copyEntry(e)
	}
	return out
}

func copyEntry(e TranscriptEntry) TranscriptEntry {
	if e.StartTime != nil {
		v := *e.StartTime
		e.StartTime = &v
	}
	if e.EndTime != nil {
		v := *e.EndTime
		e.EndTime = &v
	}
	return e
}
