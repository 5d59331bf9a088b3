package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connected(t *testing.T, h *Hub) *Conn {
	t.Helper()
	c := h.NewConn()
	require.NoError(t, h.SetState(c, StateConnecting))
	require.NoError(t, h.SetState(c, StateConnected))
	t.Cleanup(func() { h.Disconnect(c) })
	return c
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishReachesOnlyRoomMembers(t *testing.T) {
	h := NewHub(nil, 16)
	a, b := connected(t, h), connected(t, h)
	require.NoError(t, h.Join(a, BotRoom("1")))
	require.NoError(t, h.Join(b, BotRoom("2")))

	var ra, rb recorder
	a.Subscribe(AnyEvent, ra.handle)
	b.Subscribe(AnyEvent, rb.handle)

	assert.Equal(t, 1, h.Publish(BotRoom("1"), EventTranscriptNew, "hello"))

	require.Eventually(t, func() bool { return len(ra.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := ra.snapshot()[0]
	assert.Equal(t, EventTranscriptNew, got.Type)
	assert.Equal(t, "bot:1", got.Room)
	assert.Equal(t, "hello", got.Data)
	assert.False(t, got.Timestamp.IsZero())
	assert.Empty(t, rb.snapshot())
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	h := NewHub(nil, 128)
	c := connected(t, h)
	require.NoError(t, h.Join(c, BotRoom("x")))

	var r recorder
	c.Subscribe(EventTranscriptNew, r.handle)
	for i := 0; i < 100; i++ {
		h.Publish(BotRoom("x"), EventTranscriptNew, i)
	}
	require.Eventually(t, func() bool { return len(r.snapshot()) == 100 }, time.Second, 5*time.Millisecond)
	for i, ev := range r.snapshot() {
		assert.Equal(t, i, ev.Data)
	}
}

func TestPublishNeverBlocksOnSlowViewer(t *testing.T) {
	h := NewHub(nil, 2)
	slow := connected(t, h)
	require.NoError(t, h.Join(slow, BotRoom("b")))

	release := make(chan struct{})
	defer close(release)
	slow.Subscribe(AnyEvent, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Publish(BotRoom("b"), EventTranscriptNew, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full viewer buffer")
	}
	assert.Positive(t, slow.Dropped())
}

func TestJoinRequiresConnected(t *testing.T) {
	h := NewHub(nil, 4)
	c := h.NewConn()
	defer h.Disconnect(c)

	assert.ErrorIs(t, h.Join(c, BotRoom("1")), ErrNotConnected)
	require.NoError(t, h.SetState(c, StateConnecting))
	assert.ErrorIs(t, h.Join(c, BotRoom("1")), ErrNotConnected)
	require.NoError(t, h.SetState(c, StateConnected))
	assert.NoError(t, h.Join(c, BotRoom("1")))
	assert.ErrorIs(t, h.Join(c, "lobby"), ErrInvalidRoom)
}

func TestLeavingConnectedClearsMembership(t *testing.T) {
	for _, next := range []ConnState{StateReconnecting, StateDisconnected} {
		t.Run(next.String(), func(t *testing.T) {
			h := NewHub(nil, 4)
			c := connected(t, h)
			require.NoError(t, h.Join(c, BotRoom("1")))
			require.NoError(t, h.Join(c, BotRoom("2")))
			assert.Equal(t, map[string]int{"bot:1": 1, "bot:2": 1}, h.RoomStats())

			require.NoError(t, h.SetState(c, next))
			assert.Empty(t, c.Rooms())
			assert.Empty(t, h.RoomStats())
			assert.Equal(t, 0, h.Publish(BotRoom("1"), EventTranscriptNew, nil))
		})
	}
}

func TestSetStateRejectsIllegalTransitions(t *testing.T) {
	h := NewHub(nil, 4)
	c := h.NewConn()
	defer h.Disconnect(c)

	assert.ErrorIs(t, h.SetState(c, StateConnected), ErrInvalidTransition)
	assert.ErrorIs(t, h.SetState(c, StateReconnecting), ErrInvalidTransition)
	require.NoError(t, h.SetState(c, StateConnecting))
	require.NoError(t, h.SetState(c, StateConnected))
	require.NoError(t, h.SetState(c, StateReconnecting))
	assert.ErrorIs(t, h.SetState(c, StateConnecting), ErrInvalidTransition)
	require.NoError(t, h.SetState(c, StateConnected))
	assert.Equal(t, StateConnected, c.State())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub(nil, 8)
	c := connected(t, h)
	require.NoError(t, h.Join(c, BotRoom("1")))

	var first, second recorder
	unsub := h.Subscribe(c, EventBotStatus, first.handle)
	c.Subscribe(EventBotStatus, second.handle)

	h.Publish(BotRoom("1"), EventBotStatus, "a")
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	unsub()
	h.Publish(BotRoom("1"), EventBotStatus, "b")
	require.Eventually(t, func() bool { return len(second.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, first.snapshot(), 1)
}

func TestDisconnectIsIdempotentAndSilent(t *testing.T) {
	h := NewHub(nil, 4)
	c := connected(t, h)
	require.NoError(t, h.Join(c, BotRoom("1")))
	assert.Equal(t, 1, h.ConnCount())

	h.Disconnect(c)
	h.Disconnect(c)
	assert.Equal(t, 0, h.ConnCount())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, h.Publish(BotRoom("1"), EventTranscriptNew, nil))
}

func TestBotIDFromRoom(t *testing.T) {
	id, ok := BotIDFromRoom("bot:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = BotIDFromRoom("bot:")
	assert.False(t, ok)
	_, ok = BotIDFromRoom("room:abc")
	assert.False(t, ok)
}
