// Package identity maps ephemeral bot ids to durable session ids, creating
// the durable session the first time a bot is seen.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coachly/coachly/internal/storage"
)

var (
	// ErrPersistenceUnavailable wraps any failure of the durable layer.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrOwnerRequired reports that no session exists and none can be
	// created because the owner is unknown.
	ErrOwnerRequired = errors.New("owner id is required to create a session")
	ErrInvalidBotID  = errors.New("bot id is required")
)

// Hints carry optional attributes for a newly created session.
type Hints struct {
	MeetingURL string
	Platform   string
	MeetingID  string
	Status     string
	Metadata   map[string]any
}

// DefaultFlightTimeout bounds one shared lookup-or-create round trip,
// independent of the callers waiting on it.
const DefaultFlightTimeout = 10 * time.Second

// Result is the durable session resolved for a bot. Created is true for
// exactly one caller, the one whose call created the session.
type Result struct {
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
}

// Resolver caches bot id to session id mappings and collapses concurrent
// lookups for one bot into a single backend round trip.
type Resolver struct {
	store         storage.SessionStore
	logger        *slog.Logger
	flightTimeout time.Duration

	mu    sync.RWMutex
	cache map[string]string

	group singleflight.Group
}

// NewResolver returns a resolver over store with an empty cache.
func NewResolver(log *slog.Logger, store storage.SessionStore) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:         store,
		logger:        log.With(slog.String("service", "identity")),
		flightTimeout: DefaultFlightTimeout,
		cache:         map[string]string{},
	}
}

// Lookup returns the cached session id for botID.
func (r *Resolver) Lookup(botID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.cache[strings.TrimSpace(botID)]
	return id, ok
}

// Forget drops the cached mapping for botID.
func (r *Resolver) Forget(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, strings.TrimSpace(botID))
}

// EnsureSession returns the durable session for botID, creating it for
// ownerID when absent. Concurrent calls for one bot share a single round
// trip; a creation race lost to another process resolves to the winner's id
// with Created false.
func (r *Resolver) EnsureSession(ctx context.Context, botID, ownerID string, hints Hints) (Result, error) {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return Result{}, ErrInvalidBotID
	}
	if id, ok := r.Lookup(botID); ok {
		return Result{SessionID: id}, nil
	}

	ch := r.group.DoChan(botID, func() (any, error) {
		// Detached from the first caller but bounded, so a hung backend
		// call cannot hold the key for later callers.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTimeout)
		defer cancel()
		res, err := r.ensure(fctx, botID, ownerID, hints)
		if err != nil {
			return nil, err
		}
		return &flight{result: res}, nil
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		f := res.Val.(*flight)
		out := f.result
		// Callers sharing a creating flight see Created exactly once.
		out.Created = out.Created && f.claimed.CompareAndSwap(false, true)
		return out, nil
	}
}

type flight struct {
	result  Result
	claimed atomic.Bool
}

func (r *Resolver) ensure(ctx context.Context, botID, ownerID string, hints Hints) (Result, error) {
	sess, err := r.store.GetSessionByBotID(ctx, botID)
	switch {
	case err == nil:
		r.remember(botID, sess.ID)
		return Result{SessionID: sess.ID}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("%w: lookup bot %s: %w", ErrPersistenceUnavailable, botID, err)
	}

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Result{}, ErrOwnerRequired
	}

	created, err := r.store.CreateSession(ctx, storage.CreateSessionInput{
		BotID:      botID,
		OwnerID:    ownerID,
		MeetingURL: hints.MeetingURL,
		Status:     hints.Status,
		Metadata:   hintMetadata(hints),
	})
	if err == nil {
		r.remember(botID, created.ID)
		r.logger.Info("durable session created",
			slog.String("bot_id", botID), slog.String("session_id", created.ID), slog.String("owner_id", ownerID))
		return Result{SessionID: created.ID, Created: true}, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return Result{}, fmt.Errorf("%w: create session for bot %s: %w", ErrPersistenceUnavailable, botID, err)
	}

	// Lost the race to another writer; the unique bot id guarantees one row.
	winner, err := r.store.GetSessionByBotID(ctx, botID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: re-read bot %s after conflict: %w", ErrPersistenceUnavailable, botID, err)
	}
	r.remember(botID, winner.ID)
	r.logger.Debug("session creation raced, using winner",
		slog.String("bot_id", botID), slog.String("session_id", winner.ID))
	return Result{SessionID: winner.ID}, nil
}

func (r *Resolver) remember(botID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[botID] = sessionID
}

func hintMetadata(h Hints) map[string]any {
	meta := make(map[string]any, len(h.Metadata)+2)
	for k, v := range h.Metadata {
		meta[k] = v
	}
	if h.Platform != "" {
		meta["platform"] = h.Platform
	}
	if h.MeetingID != "" {
		meta["meeting_id"] = h.MeetingID
	}
	return meta
}
