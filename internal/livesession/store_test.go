package livesession

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/broadcast"
)

type published struct {
	room, eventType string
	payload         any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(room, eventType string, payload any) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{room, eventType, payload})
	return 1
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func final(speaker, text string, offset int) TranscriptEntry {
	return TranscriptEntry{Speaker: speaker, Text: text, Timestamp: t0.Add(time.Duration(offset) * time.Second), Confidence: 0.9, IsFinal: true}
}

func partial(speaker, text string, offset int) TranscriptEntry {
	e := final(speaker, text, offset)
	e.IsFinal = false
	return e
}

func newTestStore() (*Store, *fakePublisher) {
	pub := &fakePublisher{}
	return NewStore(nil, pub), pub
}

func TestAppendPreservesOrderAndCreatesSession(t *testing.T) {
	s, pub := newTestStore()

	for i := 0; i < 3; i++ {
		res, err := s.AppendEntry("b1", final("coach", fmt.Sprintf("line %d", i), i))
		require.NoError(t, err)
		assert.Equal(t, i == 0, res.Created)
		assert.NotEmpty(t, res.Entry.Key)
		assert.EqualValues(t, i, res.Entry.Seq)
	}

	sess, ok := s.Get("b1")
	require.True(t, ok)
	require.Len(t, sess.Transcript, 3)
	for i, e := range sess.Transcript {
		assert.Equal(t, fmt.Sprintf("line %d", i), e.Text)
		assert.False(t, e.Saved)
	}
	assert.Equal(t, BotStatusUnknown, sess.Bot.Status)
	assert.Equal(t, 3, sess.WebhookEvents)

	events := pub.all()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, "bot:b1", ev.room)
		assert.Equal(t, broadcast.EventTranscriptNew, ev.eventType)
		assert.Equal(t, fmt.Sprintf("line %d", i), ev.payload.(TranscriptEvent).Entry.Text)
	}
}

func TestAppendDropsDuplicateDelivery(t *testing.T) {
	s, pub := newTestStore()

	first, err := s.AppendEntry("b1", final("a", "hello", 0))
	require.NoError(t, err)
	again, err := s.AppendEntry("b1", final("a", "hello", 0))
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Entry.Key, again.Entry.Key)
	total, pending, ok := s.Counts("b1")
	require.True(t, ok)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, pending)
	assert.Len(t, pub.all(), 1)

	sess, _ := s.Get("b1")
	assert.Equal(t, 2, sess.WebhookEvents)
}

func TestPartialSupersedesTrailingPartial(t *testing.T) {
	s, pub := newTestStore()

	_, err := s.AppendEntry("b1", final("a", "done", 0))
	require.NoError(t, err)
	p1, err := s.AppendEntry("b1", partial("a", "hel", 1))
	require.NoError(t, err)
	p2, err := s.AppendEntry("b1", partial("a", "hello wor", 1))
	require.NoError(t, err)

	assert.Equal(t, p1.Entry.Key, p2.Replaced)
	assert.Equal(t, p1.Entry.Seq, p2.Entry.Seq)

	sess, _ := s.Get("b1")
	require.Len(t, sess.Transcript, 2)
	assert.Equal(t, "hello wor", sess.Transcript[1].Text)

	// a final entry after a partial is appended, not merged
	_, err = s.AppendEntry("b1", final("a", "hello world", 1))
	require.NoError(t, err)
	sess, _ = s.Get("b1")
	require.Len(t, sess.Transcript, 3)

	events := pub.all()
	require.Len(t, events, 4)
	assert.Equal(t, broadcast.EventTranscriptUpdate, events[2].eventType)
	assert.Equal(t, p1.Entry.Key, events[2].payload.(TranscriptEvent).Replaced)
}

func TestPartialDoesNotReplaceSavedPartial(t *testing.T) {
	s, _ := newTestStore()

	p1, err := s.AppendEntry("b1", partial("a", "hel", 0))
	require.NoError(t, err)
	require.Equal(t, 1, s.MarkSaved("b1", []string{p1.Entry.Key}))

	p2, err := s.AppendEntry("b1", partial("a", "hello", 0))
	require.NoError(t, err)
	assert.Empty(t, p2.Replaced)

	total, pending, _ := s.Counts("b1")
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, pending)
}

func TestSupersededPartialRedeliveryIsDuplicate(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.AppendEntry("b1", partial("a", "hel", 0))
	require.NoError(t, err)
	_, err = s.AppendEntry("b1", partial("a", "hello", 0))
	require.NoError(t, err)
	late, err := s.AppendEntry("b1", partial("a", "hel", 0))
	require.NoError(t, err)

	assert.True(t, late.Duplicate)
	sess, _ := s.Get("b1")
	require.Len(t, sess.Transcript, 1)
	assert.Equal(t, "hello", sess.Transcript[0].Text)
}

func TestUnsavedEntriesAndMarkSaved(t *testing.T) {
	s, _ := newTestStore()
	var keys []string
	for i := 0; i < 4; i++ {
		res, err := s.AppendEntry("b1", final("a", fmt.Sprint(i), i))
		require.NoError(t, err)
		keys = append(keys, res.Entry.Key)
	}

	unsaved := s.UnsavedEntries("b1")
	require.Len(t, unsaved, 4)
	// snapshot is detached from the store
	unsaved[0].Text = "mutated"
	sess, _ := s.Get("b1")
	assert.Equal(t, "0", sess.Transcript[0].Text)

	assert.Equal(t, 2, s.MarkSaved("b1", keys[:2]))
	assert.Equal(t, 0, s.MarkSaved("b1", keys[:2]), "saved flips once")
	assert.Equal(t, 0, s.MarkSaved("b1", []string{"unknown"}))

	rest := s.UnsavedEntries("b1")
	require.Len(t, rest, 2)
	assert.Equal(t, "2", rest[0].Text)
	assert.Equal(t, "3", rest[1].Text)

	total, pending, ok := s.Counts("b1")
	require.True(t, ok)
	assert.Equal(t, 4, total)
	assert.Equal(t, 2, pending)
}

func TestReadsOnUnknownBot(t *testing.T) {
	s, _ := newTestStore()

	_, ok := s.Get("ghost")
	assert.False(t, ok)
	assert.Nil(t, s.UnsavedEntries("ghost"))
	assert.Equal(t, 0, s.MarkSaved("ghost", []string{"k"}))
	_, _, ok = s.Counts("ghost")
	assert.False(t, ok)
	assert.False(t, s.UpdateBotStatus("ghost", "in_call"))
	assert.False(t, s.RemoveSession("ghost"))

	_, err := s.AppendEntry("  ", final("a", "x", 0))
	assert.ErrorIs(t, err, ErrInvalidBotID)
}

func TestInitSessionKeepsTranscript(t *testing.T) {
	s, _ := newTestStore()
	require.NoError(t, s.InitSession("b1", BotInfo{MeetingURL: "https://meet/x", OwnerID: "u1", Status: "joining"}))
	_, err := s.AppendEntry("b1", final("a", "hi", 0))
	require.NoError(t, err)

	require.NoError(t, s.InitSession("b1", BotInfo{Platform: "zoom"}))
	sess, ok := s.Get("b1")
	require.True(t, ok)
	assert.Len(t, sess.Transcript, 1)
	assert.Equal(t, BotInfo{ID: "b1", Status: "joining", MeetingURL: "https://meet/x", Platform: "zoom", OwnerID: "u1"}, sess.Bot)
}

func TestUpdateBotStatusPublishes(t *testing.T) {
	s, pub := newTestStore()
	require.NoError(t, s.InitSession("b1", BotInfo{Status: "joining"}))

	assert.True(t, s.UpdateBotStatus("b1", "in_call_recording"))
	bot, _ := s.Bot("b1")
	assert.Equal(t, "in_call_recording", bot.Status)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventBotStatus, events[0].eventType)
	assert.Equal(t, StatusEvent{BotID: "b1", Status: "in_call_recording", PreviousStatus: "joining"}, events[0].payload)
}

func TestListAndRemove(t *testing.T) {
	s, _ := newTestStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.InitSession(id, BotInfo{}))
	}
	assert.Equal(t, []string{"a", "b", "c"}, s.ListSessionIDs())
	assert.True(t, s.RemoveSession("b"))
	assert.Equal(t, []string{"a", "c"}, s.ListSessionIDs())
}

func TestSessionInfo(t *testing.T) {
	s, _ := newTestStore()
	for i := 0; i < 5; i++ {
		_, err := s.AppendEntry("b1", final("a", fmt.Sprint(i), i))
		require.NoError(t, err)
	}
	info, ok := s.SessionInfo("b1")
	require.True(t, ok)
	assert.Equal(t, 5, info.TranscriptLength)
	assert.Equal(t, 5, info.PendingCount)
	require.Len(t, info.RecentEntries, 3)
	assert.Equal(t, "2", info.RecentEntries[0].Text)

	all := s.AllSessionsInfo()
	require.Len(t, all, 1)
	assert.Equal(t, "b1", all[0].BotID)
}

func TestCleanupEvictsOnlyIdleSavedSessions(t *testing.T) {
	s, _ := newTestStore()
	now := t0
	s.now = func() time.Time { return now }

	saved, err := s.AppendEntry("idle-saved", final("a", "x", 0))
	require.NoError(t, err)
	s.MarkSaved("idle-saved", []string{saved.Entry.Key})
	_, err = s.AppendEntry("idle-pending", final("a", "y", 0))
	require.NoError(t, err)

	now = t0.Add(2 * time.Hour)
	require.NoError(t, s.InitSession("fresh", BotInfo{}))

	evicted := s.Cleanup(time.Hour)
	assert.Equal(t, []string{"idle-saved"}, evicted)
	assert.Equal(t, []string{"fresh", "idle-pending"}, s.ListSessionIDs())
}

func TestConcurrentAppendsAcrossBots(t *testing.T) {
	s := NewStore(nil, nil)
	var wg sync.WaitGroup
	for b := 0; b < 4; b++ {
		wg.Add(1)
		go func(bot string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.AppendEntry(bot, final("a", fmt.Sprint(i), i))
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("bot-%d", b))
	}
	wg.Wait()
	for b := 0; b < 4; b++ {
		sess, ok := s.Get(fmt.Sprintf("bot-%d", b))
		require.True(t, ok)
		require.Len(t, sess.Transcript, 50)
		for i, e := range sess.Transcript {
			assert.Equal(t, fmt.Sprint(i), e.Text)
		}
	}
}

func TestRemoveSavedKeepsPendingSession(t *testing.T) {
	s, _ := newTestStore()
	first, err := s.AppendEntry("b1", final("coach", "saved", 0))
	require.NoError(t, err)
	s.MarkSaved("b1", []string{first.Entry.Key})
	_, err = s.AppendEntry("b1", final("coach", "late", 1))
	require.NoError(t, err)

	removed, pending, ok := s.RemoveSaved("b1")
	assert.True(t, ok)
	assert.False(t, removed)
	assert.Equal(t, 1, pending)

	sess, ok := s.Get("b1")
	require.True(t, ok)
	s.MarkSaved("b1", []string{sess.Transcript[1].Key})
	removed, _, ok = s.RemoveSaved("b1")
	assert.True(t, ok)
	assert.True(t, removed)
	_, ok = s.Get("b1")
	assert.False(t, ok)

	_, _, ok = s.RemoveSaved("ghost")
	assert.False(t, ok)
}

func TestAppendRacingEvictionLandsInLiveSession(t *testing.T) {
	s, _ := newTestStore()
	res, err := s.AppendEntry("b1", final("coach", "old", 0))
	require.NoError(t, err)
	s.MarkSaved("b1", []string{res.Entry.Key})

	stale, ok := s.lookup("b1")
	require.True(t, ok)
	stale.mu.Lock()
	appended := make(chan error, 1)
	go func() {
		_, err := s.AppendEntry("b1", final("coach", "new", 1))
		appended <- err
	}()
	// let the append resolve the session pointer and wait on its lock
	time.Sleep(20 * time.Millisecond)
	s.mu.Lock()
	s.evictLocked("b1", stale)
	s.mu.Unlock()
	stale.mu.Unlock()

	select {
	case err := <-appended:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("append did not return")
	}

	sess, ok := s.Get("b1")
	require.True(t, ok, "append after eviction must create a new live session")
	require.Len(t, sess.Transcript, 1)
	assert.Equal(t, "new", sess.Transcript[0].Text)
	_, pending, _ := s.Counts("b1")
	assert.Equal(t, 1, pending)
}

func TestEvictedSessionRejectsStatusUpdate(t *testing.T) {
	s, pub := newTestStore()
	require.NoError(t, s.InitSession("b1", BotInfo{}))
	stale, _ := s.lookup("b1")
	require.True(t, s.RemoveSession("b1"))

	stale.mu.Lock()
	assert.True(t, stale.evicted)
	stale.mu.Unlock()
	assert.False(t, s.UpdateBotStatus("b1", "in_call"))
	assert.Empty(t, pub.all())
}
