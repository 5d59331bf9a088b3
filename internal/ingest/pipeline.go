// Package ingest turns bot platform events into ordered per-bot messages
// and applies them to the live store, the identity resolver, the batch
// engine and the broadcast channel.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coachly/coachly/internal/batch"
	"github.com/coachly/coachly/internal/broadcast"
	"github.com/coachly/coachly/internal/config"
	"github.com/coachly/coachly/internal/identity"
	"github.com/coachly/coachly/internal/livesession"
	"github.com/coachly/coachly/internal/storage"
)

var (
	// ErrClosed is returned for events that arrive after Close.
	ErrClosed       = errors.New("ingest pipeline closed")
	ErrInvalidBotID = errors.New("bot id is required")
)

type eventKind int

const (
	kindTranscript eventKind = iota
	kindStatus
	kindBarrier
	kindEnd
)

type event struct {
	kind    eventKind
	entry   livesession.TranscriptEntry
	status  string
	reached chan struct{}
	ctx     context.Context
	ended   chan endResult
}

type endResult struct {
	res batch.SaveResult
	err error
}

type botQueue struct {
	ch      chan event
	pending int
}

// ErrorEvent is the payload of the error event published to a bot room.
type ErrorEvent struct {
	BotID   string `json:"bot_id"`
	Message string `json:"message"`
}

// Pipeline owns one ordered queue per bot. Every event of a bot, session end
// included, is applied by that bot's single worker in arrival order.
type Pipeline struct {
	live      *livesession.Store
	resolver  *identity.Resolver
	engine    *batch.Engine
	publisher livesession.Publisher
	cfg       config.IngestConfig
	logger    *slog.Logger

	mu        sync.Mutex
	queues    map[string]*botQueue
	ensuring  map[string]bool
	ownerless map[string]bool
	closed    bool
	inflight  int
	drained   *sync.Cond
}

// NewPipeline wires the live store, resolver, batch engine and publisher into
// a pipeline. publisher may be nil.
func NewPipeline(log *slog.Logger, cfg config.IngestConfig, live *livesession.Store, resolver *identity.Resolver, engine *batch.Engine, publisher livesession.Publisher) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.EnsureTimeout <= 0 {
		cfg.EnsureTimeout = 5 * time.Second
	}
	p := &Pipeline{
		live:      live,
		resolver:  resolver,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.With(slog.String("service", "ingest")),
		queues:    map[string]*botQueue{},
		ensuring:  map[string]bool{},
		ownerless: map[string]bool{},
	}
	p.drained = sync.NewCond(&p.mu)
	return p
}

// RegisterBot records bot metadata when a bot is created and ensures its
// durable session. The live session is registered even if ensuring fails.
func (p *Pipeline) RegisterBot(ctx context.Context, info livesession.BotInfo) (identity.Result, error) {
	botID := strings.TrimSpace(info.ID)
	if botID == "" {
		return identity.Result{}, ErrInvalidBotID
	}
	if err := p.live.InitSession(botID, info); err != nil {
		return identity.Result{}, err
	}
	p.mu.Lock()
	delete(p.ownerless, botID)
	p.mu.Unlock()

	bot, _ := p.live.Bot(botID)
	return p.resolver.EnsureSession(ctx, botID, bot.OwnerID, hintsFor(bot))
}

// OnTranscriptEvent queues a transcript entry for botID.
func (p *Pipeline) OnTranscriptEvent(botID string, entry livesession.TranscriptEntry) error {
	return p.enqueue(botID, event{kind: kindTranscript, entry: entry})
}

// OnBotStatusEvent queues a platform status change for botID.
func (p *Pipeline) OnBotStatusEvent(botID, status string) error {
	return p.enqueue(botID, event{kind: kindStatus, status: status})
}

// OnSessionEnd queues the end of botID's session behind every event already
// queued, then force-saves the session and, once everything is saved, evicts
// it. Events queued after the end are applied after eviction and start a new
// live session. On failure the live session is kept so the save can be
// retried and an error event goes to the room.
func (p *Pipeline) OnSessionEnd(ctx context.Context, botID string) (batch.SaveResult, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return batch.SaveResult{}, ErrInvalidBotID
	}
	ended := make(chan endResult, 1)
	if err := p.enqueue(botID, event{kind: kindEnd, ctx: ctx, ended: ended}); err != nil {
		return batch.SaveResult{}, err
	}
	select {
	case out := <-ended:
		return out.res, out.err
	case <-ctx.Done():
		return batch.SaveResult{}, ctx.Err()
	}
}

// endSession runs on botID's worker, so no event of the bot is applied
// while the final save is in flight.
func (p *Pipeline) endSession(ctx context.Context, botID string) (batch.SaveResult, error) {
	res := p.engine.ForceSave(ctx, botID)
	if res.Error != nil {
		if errors.Is(res.Error, livesession.ErrNotFound) {
			return res, res.Error
		}
		p.logger.Error("session end save failed", slog.String("bot_id", botID), slog.Any("error", res.Error))
		p.publishError(botID, fmt.Sprintf("failed to save transcript: %v", res.Error))
		return res, nil
	}

	p.live.UpdateBotStatus(botID, livesession.BotStatusEnded)
	removed, pending, _ := p.live.RemoveSaved(botID)
	if !removed {
		p.logger.Warn("session end left unsaved entries, keeping live session",
			slog.String("bot_id", botID), slog.Int("pending", pending))
		p.engine.ScheduleFlush(botID)
		return res, nil
	}
	p.forget(botID)
	p.logger.Info("session ended", slog.String("bot_id", botID), slog.Int("saved", res.SavedCount))
	return res, nil
}

func (p *Pipeline) drain(ctx context.Context, botID string) error {
	reached := make(chan struct{})
	if err := p.enqueue(botID, event{kind: kindBarrier, reached: reached}); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) enqueue(botID string, ev event) error {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return ErrInvalidBotID
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	q, ok := p.queues[botID]
	if !ok {
		q = &botQueue{ch: make(chan event, p.cfg.QueueSize)}
		p.queues[botID] = q
		go p.run(botID, q)
	}
	q.pending++
	p.inflight++
	p.mu.Unlock()

	q.ch <- ev
	return nil
}

// run is the single consumer of one bot's queue. It exits after IdleTimeout
// without events.
func (p *Pipeline) run(botID string, q *botQueue) {
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case ev := <-q.ch:
			p.handle(botID, ev)
			p.mu.Lock()
			q.pending--
			p.inflight--
			if p.inflight == 0 {
				p.drained.Broadcast()
			}
			p.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			p.mu.Lock()
			if q.pending == 0 {
				delete(p.queues, botID)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *Pipeline) handle(botID string, ev event) {
	switch ev.kind {
	case kindTranscript:
		p.ensureAsync(botID)
		res, err := p.live.AppendEntry(botID, ev.entry)
		if err != nil {
			p.logger.Warn("drop transcript entry", slog.String("bot_id", botID), slog.Any("error", err))
			return
		}
		if res.Duplicate {
			p.logger.Debug("duplicate transcript entry dropped", slog.String("bot_id", botID), slog.String("key", res.Entry.Key))
			return
		}
		p.engine.ScheduleFlush(botID)
	case kindStatus:
		if !p.live.UpdateBotStatus(botID, ev.status) {
			if err := p.live.InitSession(botID, livesession.BotInfo{}); err != nil {
				p.logger.Warn("drop status event", slog.String("bot_id", botID), slog.Any("error", err))
				return
			}
			p.live.UpdateBotStatus(botID, ev.status)
		}
	case kindBarrier:
		close(ev.reached)
	case kindEnd:
		res, err := p.endSession(ev.ctx, botID)
		ev.ended <- endResult{res: res, err: err}
	}
}

// ensureAsync resolves the durable session in the background so a slow or
// unavailable backend never delays the live append.
func (p *Pipeline) ensureAsync(botID string) {
	if _, ok := p.resolver.Lookup(botID); ok {
		return
	}
	p.mu.Lock()
	if p.ensuring[botID] || p.ownerless[botID] || p.closed {
		p.mu.Unlock()
		return
	}
	p.ensuring[botID] = true
	p.mu.Unlock()

	owner, hints := "", identity.Hints{}
	if bot, ok := p.live.Bot(botID); ok {
		owner, hints = bot.OwnerID, hintsFor(bot)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EnsureTimeout)
		defer cancel()
		_, err := p.resolver.EnsureSession(ctx, botID, owner, hints)

		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.ensuring, botID)
		switch {
		case err == nil:
		case errors.Is(err, identity.ErrOwnerRequired):
			// wait for RegisterBot to supply the owner
			p.ownerless[botID] = true
			p.logger.Debug("durable session deferred until owner is known", slog.String("bot_id", botID))
		default:
			p.logger.Warn("ensure session failed", slog.String("bot_id", botID), slog.Any("error", err))
		}
	}()
}

func (p *Pipeline) publishError(botID, message string) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(broadcast.BotRoom(botID), broadcast.EventError, ErrorEvent{BotID: botID, Message: message})
}

func (p *Pipeline) forget(botID string) {
	p.resolver.Forget(botID)
	p.engine.Forget(botID)
	p.mu.Lock()
	delete(p.ownerless, botID)
	p.mu.Unlock()
}

// Cleanup evicts idle, fully saved live sessions and forgets their cached
// identity and save state.
func (p *Pipeline) Cleanup(maxAge time.Duration) []string {
	evicted := p.live.Cleanup(maxAge)
	for _, botID := range evicted {
		p.forget(botID)
	}
	return evicted
}

// RegisterCleanup schedules Cleanup(maxAge) on c.
func (p *Pipeline) RegisterCleanup(c *cron.Cron, spec string, maxAge time.Duration) (cron.EntryID, error) {
	return c.AddFunc(spec, func() { p.Cleanup(maxAge) })
}

// Close stops accepting events and waits for queued events to be applied.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.waitQueues()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitQueues blocks until every queue has applied its pending events.
func (p *Pipeline) waitQueues() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inflight > 0 {
		p.drained.Wait()
	}
}

func hintsFor(bot livesession.BotInfo) identity.Hints {
	return identity.Hints{
		MeetingURL: bot.MeetingURL,
		Platform:   bot.Platform,
		MeetingID:  bot.MeetingID,
		Status:     storage.SessionStatusActive,
	}
}
