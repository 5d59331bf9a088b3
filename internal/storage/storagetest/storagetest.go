// Package storagetest holds behaviour checks shared by every storage.Store
// backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/storage"
)

// Run exercises newStore against the storage.Store contract. newStore must
// return an empty store; cleanup is the caller's responsibility.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("LookupMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetSessionByBotID(context.Background(), "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateThenLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.CreateSession(ctx, storage.CreateSessionInput{
			BotID:      "bot-1",
			OwnerID:    "owner-1",
			MeetingURL: "https://meet.example/abc",
			Metadata:   map[string]any{"platform": "zoom"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, storage.SessionStatusCreated, created.Status)

		got, err := s.GetSessionByBotID(ctx, "bot-1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, "https://meet.example/abc", got.MeetingURL)
		assert.Equal(t, "zoom", got.Metadata["platform"])
	})

	t.Run("CreateConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.CreateSession(ctx, storage.CreateSessionInput{BotID: "bot-1", OwnerID: "o"})
		require.NoError(t, err)
		_, err = s.CreateSession(ctx, storage.CreateSessionInput{BotID: "bot-1", OwnerID: "o"})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateSession(ctx, storage.CreateSessionInput{BotID: "race", OwnerID: "o"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, conflicts)
	})

	t.Run("AppendOrderedAndIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess, err := s.CreateSession(ctx, storage.CreateSessionInput{BotID: "bot-1", OwnerID: "o"})
		require.NoError(t, err)

		first := Entries("a", "b", "c")
		res, err := s.AppendTranscriptBatch(ctx, sess.ID, first)
		require.NoError(t, err)
		assert.Equal(t, storage.BatchResult{Inserted: 3, Total: 3}, res)

		// replaying an acknowledged batch plus one new entry stores only the new one
		res, err = s.AppendTranscriptBatch(ctx, sess.ID, append(first, Entries("d")...))
		require.NoError(t, err)
		assert.Equal(t, storage.BatchResult{Inserted: 1, Total: 4}, res)

		got, err := s.ListTranscript(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, got, 4)
		for i, key := range []string{"a", "b", "c", "d"} {
			assert.Equal(t, key, got[i].Key)
			assert.Equal(t, i, got[i].Index)
			assert.Equal(t, "text "+key, got[i].Text)
		}
		assert.True(t, got[0].Timestamp.Before(got[3].Timestamp))
		require.NotNil(t, got[1].StartTime)
		assert.InDelta(t, 1.0, *got[1].StartTime, 1e-9)

		after, err := s.GetSessionByBotID(ctx, "bot-1")
		require.NoError(t, err)
		assert.EqualValues(t, 4, after.Metadata["total_transcript_entries"])
		assert.NotEmpty(t, after.Metadata["last_batch_save"])
	})

	t.Run("AppendUnknownSession", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendTranscriptBatch(context.Background(), "00000000-0000-0000-0000-000000000000", Entries("a"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}

// Entries builds one final entry per key with increasing timestamps.
func Entries(keys ...string) []storage.Entry {
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	out := make([]storage.Entry, 0, len(keys))
	for i, k := range keys {
		start := float64(i)
		end := start + 0.5
		out = append(out, storage.Entry{
			Key:        k,
			Speaker:    fmt.Sprintf("speaker-%d", i%2),
			Text:       "text " + k,
			Timestamp:  base.Add(time.Duration(int(k[0])) * time.Second),
			Confidence: 0.9,
			IsFinal:    true,
			StartTime:  &start,
			EndTime:    &end,
		})
	}
	return out
}
