package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/coachly/coachly/internal/config"
	"github.com/coachly/coachly/internal/identity"
	"github.com/coachly/coachly/internal/livesession"
	"github.com/coachly/coachly/internal/storage"
)

// Engine moves unsaved live entries to durable storage in batches. At most
// one flush per bot is in flight at any time.
type Engine struct {
	live     LiveStore
	ensurer  Ensurer
	store    storage.TranscriptStore
	cfg      config.BatchConfig
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu     sync.Mutex
	bots   map[string]*botState
	closed bool
}

// botState is guarded by Engine.mu, except slot which is the per-bot
// single-flight semaphore.
type botState struct {
	slot     chan struct{}
	timer    *time.Timer
	followUp bool
	inFlight bool

	sessionID     string
	lastSaveAt    time.Time
	lastAttemptAt time.Time
	lastError     string
	failureCount  int
	lastFailed    bool
}

// NewEngine returns an engine reading live through live, resolving sessions
// through ensurer and writing batches to store.
func NewEngine(log *slog.Logger, cfg config.BatchConfig, live LiveStore, ensurer Ensurer, store storage.TranscriptStore) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		live:     live,
		ensurer:  ensurer,
		store:    store,
		cfg:      cfg,
		logger:   log.With(slog.String("service", "batch")),
		validate: validator.New(),
		now:      time.Now,
		bots:     map[string]*botState{},
	}
}

func (e *Engine) stateLocked(botID string) *botState {
	st, ok := e.bots[botID]
	if !ok {
		st = &botState{slot: make(chan struct{}, 1)}
		e.bots[botID] = st
	}
	return st
}

// ScheduleFlush asks for a flush of botID. Calls within the debounce window
// coalesce into one flush; a call made while a flush is running is folded
// into a single follow-up flush. Reaching MaxPending skips the debounce.
func (e *Engine) ScheduleFlush(botID string) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.scheduleLocked(botID, e.stateLocked(botID))
}

func (e *Engine) scheduleLocked(botID string, st *botState) {
	if st.inFlight {
		st.followUp = true
		return
	}
	_, pending, _ := e.live.Counts(botID)
	if pending == 0 {
		return
	}
	if e.cfg.MaxPending > 0 && pending >= e.cfg.MaxPending && !st.lastFailed {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		go e.runScheduled(botID)
		return
	}
	if st.timer != nil {
		return
	}
	st.timer = time.AfterFunc(e.cfg.FlushDebounce, func() { e.runScheduled(botID) })
}

// runScheduled performs one background flush unless another flush already
// holds the bot's slot, in which case it becomes that flush's follow-up.
func (e *Engine) runScheduled(botID string) {
	e.mu.Lock()
	st := e.stateLocked(botID)
	if st.timer != nil {
		// a sweep got here first; this flush covers the debounced one
		st.timer.Stop()
		st.timer = nil
	}
	if e.closed {
		e.mu.Unlock()
		return
	}
	select {
	case st.slot <- struct{}{}:
	default:
		st.followUp = true
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	timeout := e.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	saved, err := e.flush(ctx, botID, st)
	e.release(botID, st)
	if err != nil {
		e.logger.Warn("scheduled flush failed", slog.String("bot_id", botID), slog.Any("error", err))
		return
	}
	if saved > 0 {
		e.logger.Debug("scheduled flush saved entries", slog.String("bot_id", botID), slog.Int("saved", saved))
	}
}

// release frees the slot and starts the follow-up flush, if one was asked for.
func (e *Engine) release(botID string, st *botState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	<-st.slot
	if st.followUp && !e.closed {
		st.followUp = false
		e.scheduleLocked(botID, st)
	}
}

// ForceSave synchronously drains every unsaved entry of botID. It waits for
// a running flush to finish but never longer than the force-save timeout,
// and does not retry: a failure is returned to the caller.
func (e *Engine) ForceSave(ctx context.Context, botID string) SaveResult {
	botID = strings.TrimSpace(botID)
	if _, _, ok := e.live.Counts(botID); !ok {
		return SaveResult{Error: livesession.ErrNotFound}
	}
	if timeout := e.cfg.ForceSaveTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.mu.Lock()
	st := e.stateLocked(botID)
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	e.mu.Unlock()

	select {
	case st.slot <- struct{}{}:
	case <-ctx.Done():
		return SaveResult{Error: fmt.Errorf("%w: waiting for in-flight flush: %w", ErrFlushTimeout, ctx.Err())}
	}
	saved, err := e.flush(ctx, botID, st)
	e.release(botID, st)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrFlushTimeout, err)
		}
		return SaveResult{SavedCount: saved, Error: err}
	}
	return SaveResult{Success: true, SavedCount: saved}
}

// flush writes the current unsaved entries of botID as one batch. The
// caller holds st.slot.
func (e *Engine) flush(ctx context.Context, botID string, st *botState) (int, error) {
	bot, ok := e.live.Bot(botID)
	if !ok {
		return 0, livesession.ErrNotFound
	}
	entries := e.live.UnsavedEntries(botID)
	if len(entries) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	st.inFlight = true
	st.lastAttemptAt = e.now()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		st.inFlight = false
		e.mu.Unlock()
	}()

	res, err := e.ensurer.EnsureSession(ctx, botID, bot.OwnerID, identity.Hints{
		MeetingURL: bot.MeetingURL,
		Platform:   bot.Platform,
		MeetingID:  bot.MeetingID,
		Status:     storage.SessionStatusActive,
	})
	if err != nil {
		return 0, e.fail(st, fmt.Errorf("ensure session: %w", err))
	}

	batch := make([]storage.Entry, len(entries))
	keys := make([]string, len(entries))
	for i, entry := range entries {
		batch[i] = toStorageEntry(entry)
		keys[i] = entry.Key
	}
	if err := e.validateBatch(batch); err != nil {
		return 0, e.fail(st, err)
	}

	result, err := e.store.AppendTranscriptBatch(ctx, res.SessionID, batch)
	if err != nil {
		return 0, e.fail(st, fmt.Errorf("%w: append batch: %w", identity.ErrPersistenceUnavailable, err))
	}

	marked := e.live.MarkSaved(botID, keys)
	e.mu.Lock()
	st.sessionID = res.SessionID
	st.lastSaveAt = e.now()
	st.lastError = ""
	st.lastFailed = false
	e.mu.Unlock()

	e.logger.Info("batch saved",
		slog.String("bot_id", botID),
		slog.String("session_id", res.SessionID),
		slog.Int("batch", len(batch)),
		slog.Int("inserted", result.Inserted),
		slog.Int("stored_total", result.Total),
	)
	return marked, nil
}

func (e *Engine) fail(st *botState, err error) error {
	e.mu.Lock()
	st.failureCount++
	st.lastError = err.Error()
	st.lastFailed = true
	e.mu.Unlock()
	return err
}

// validateBatch rejects the whole batch when any entry is invalid.
func (e *Engine) validateBatch(batch []storage.Entry) error {
	var bad []string
	for i := range batch {
		if err := e.validate.Struct(batch[i]); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					bad = append(bad, fmt.Sprintf("entry %d (%s): %s failed %s", i, batch[i].Key, fe.Field(), fe.Tag()))
				}
				continue
			}
			return fmt.Errorf("validate entry %d: %w", i, err)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %s", ErrPartialBatch, strings.Join(bad, "; "))
	}
	return nil
}

func toStorageEntry(e livesession.TranscriptEntry) storage.Entry {
	return storage.Entry{
		Key:        e.Key,
		Speaker:    e.Speaker,
		Text:       e.Text,
		Timestamp:  e.Timestamp,
		Confidence: e.Confidence,
		IsFinal:    e.IsFinal,
		StartTime:  e.StartTime,
		EndTime:    e.EndTime,
	}
}

// Status returns the save status of botID, derived from the live store and
// the last flush attempt.
func (e *Engine) Status(botID string) (SaveStatus, bool) {
	botID = strings.TrimSpace(botID)
	total, pending, live := e.live.Counts(botID)

	e.mu.Lock()
	defer e.mu.Unlock()
	st, tracked := e.bots[botID]
	if !live && !tracked {
		return SaveStatus{}, false
	}
	status := SaveStatus{
		BotID:        botID,
		PendingCount: pending,
		SavedCount:   total - pending,
		TotalCount:   total,
	}
	if tracked {
		status.SessionID = st.sessionID
		status.LastSaveAt = timePtr(st.lastSaveAt)
		status.LastAttemptAt = timePtr(st.lastAttemptAt)
		status.LastError = st.lastError
		status.FailureCount = st.failureCount
		status.InFlight = st.inFlight
	}
	return status, true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Forget drops the tracked state of botID, cancelling any pending timer.
func (e *Engine) Forget(botID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.bots[botID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(e.bots, botID)
}

// RegisterSweep adds the periodic flush of every live session to c.
func (e *Engine) RegisterSweep(c *cron.Cron) (cron.EntryID, error) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return c.AddFunc(fmt.Sprintf("@every %s", interval), e.Sweep)
}

// Sweep flushes every live session that has unsaved entries.
func (e *Engine) Sweep() {
	var wg sync.WaitGroup
	for _, botID := range e.live.ListSessionIDs() {
		if _, pending, ok := e.live.Counts(botID); !ok || pending == 0 {
			continue
		}
		wg.Add(1)
		go func(botID string) {
			defer wg.Done()
			e.runScheduled(botID)
		}(botID)
	}
	wg.Wait()
}

// Shutdown stops scheduling and force-saves every live session with unsaved
// entries. It returns the joined errors of the sessions that failed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, st := range e.bots {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
	e.mu.Unlock()

	ids := e.live.ListSessionIDs()
	sort.Strings(ids)
	var errs []error
	for _, botID := range ids {
		if _, pending, ok := e.live.Counts(botID); !ok || pending == 0 {
			continue
		}
		res := e.ForceSave(ctx, botID)
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("bot %s: %w", botID, res.Error))
			continue
		}
		e.logger.Info("saved session on shutdown", slog.String("bot_id", botID), slog.Int("saved", res.SavedCount))
	}
	return errors.Join(errs...)
}
