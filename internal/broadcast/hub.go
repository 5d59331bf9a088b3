package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotConnected      = errors.New("connection is not connected")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrInvalidRoom       = errors.New("invalid room")
)

const defaultSendBuffer = 256

// Hub owns connections and room membership.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	rooms      map[string]map[*Conn]struct{}
	sendBuffer int
	logger     *slog.Logger
	now        func() time.Time
}

func NewHub(log *slog.Logger, sendBuffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		conns:      map[string]*Conn{},
		rooms:      map[string]map[*Conn]struct{}{},
		sendBuffer: sendBuffer,
		logger:     log.With(slog.String("service", "broadcast")),
		now:        time.Now,
	}
}

// Conn is one viewer. It starts disconnected; callers drive it through
// SetState.
type Conn struct {
	id  string
	hub *Hub

	queue chan Event
	done  chan struct{}

	mu          sync.Mutex
	state       ConnState
	rooms       map[string]struct{}
	handlers    map[string]map[uint64]Handler
	nextHandler uint64
	closed      bool

	dropped atomic.Uint64
}

// NewConn registers a new connection and starts its dispatch goroutine.
func (h *Hub) NewConn() *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		hub:      h,
		queue:    make(chan Event, h.sendBuffer),
		done:     make(chan struct{}),
		state:    StateDisconnected,
		rooms:    map[string]struct{}{},
		handlers: map[string]map[uint64]Handler{},
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	go c.dispatch()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the rooms the connection currently belongs to, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Dropped is the number of events discarded because the buffer was full.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Subscribe registers handler for eventType (or AnyEvent) and returns a func
// that removes it.
func (c *Conn) Subscribe(eventType string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	if c.handlers[eventType] == nil {
		c.handlers[eventType] = map[uint64]Handler{}
	}
	c.handlers[eventType][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
		if len(c.handlers[eventType]) == 0 {
			delete(c.handlers, eventType)
		}
	}
}

func (c *Conn) enqueue(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- ev:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.queue:
			for _, h := range c.handlersFor(ev.Type) {
				h(ev)
			}
		}
	}
}

func (c *Conn) handlersFor(eventType string) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Handler
	ids := make([]uint64, 0)
	byID := map[uint64]Handler{}
	for _, key := range []string{eventType, AnyEvent} {
		for id, h := range c.handlers[key] {
			ids = append(ids, id)
			byID[id] = h
		}
	}
	// registration order
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// SetState moves c to state. Leaving StateConnected drops every room
// membership; reaching StateDisconnected stops delivery.
func (h *Hub) SetState(c *Conn, state ConnState) error {
	// Lock order is hub then conn everywhere membership changes.
	h.mu.Lock()
	c.mu.Lock()
	from := c.state
	if from == state {
		c.mu.Unlock()
		h.mu.Unlock()
		return nil
	}
	if !CanTransition(from, state) {
		c.mu.Unlock()
		h.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}
	c.state = state
	if from == StateConnected {
		h.dropRoomsLocked(c)
	}
	c.mu.Unlock()
	h.mu.Unlock()

	h.logger.Debug("connection state changed",
		slog.String("conn_id", c.id), slog.String("from", from.String()), slog.String("to", state.String()))
	return nil
}

// Disconnect moves c to StateDisconnected from any state and unregisters it.
// It is safe to call more than once.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state = StateDisconnected
	h.dropRoomsLocked(c)
	close(c.done)
	delete(h.conns, c.id)
}

// dropRoomsLocked clears every membership of c. Callers hold h.mu and c.mu.
func (h *Hub) dropRoomsLocked(c *Conn) {
	for r := range c.rooms {
		h.removeMemberLocked(c, r)
	}
	c.rooms = map[string]struct{}{}
}

func (h *Hub) removeMemberLocked(c *Conn, room string) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Join adds c to room. The connection must be connected.
func (h *Hub) Join(c *Conn, room string) error {
	if _, ok := BotIDFromRoom(room); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	c.rooms[room] = struct{}{}
	members := h.rooms[room]
	if members == nil {
		members = map[*Conn]struct{}{}
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	return nil
}

// Leave removes c from room. Leaving a room not joined is a no-op.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return
	}
	delete(c.rooms, room)
	h.removeMemberLocked(c, room)
}

// Subscribe is Conn.Subscribe.
func (h *Hub) Subscribe(c *Conn, eventType string, handler Handler) func() {
	return c.Subscribe(eventType, handler)
}

// Publish delivers an event to every member of room without blocking and
// returns how many connections accepted it.
func (h *Hub) Publish(room, eventType string, payload any) int {
	ev := Event{Type: eventType, Room: room, Data: payload, Timestamp: h.now().UTC()}

	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.enqueue(ev) {
			delivered++
			continue
		}
		h.logger.Debug("dropped event for slow viewer",
			slog.String("conn_id", c.id), slog.String("room", room), slog.String("type", eventType))
	}
	return delivered
}

// RoomStats maps each non-empty room to its member count.
func (h *Hub) RoomStats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for r, members := range h.rooms {
		out[r] = len(members)
	}
	return out
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.Disconnect(c)
	}
}
