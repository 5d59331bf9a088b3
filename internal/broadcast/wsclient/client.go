// Package wsclient is a viewer for the live transcript websocket. It keeps
// a connection open with exponential backoff, re-joins its rooms after every
// reconnect, runs catch-up hooks for state missed while away and dispatches
// server frames to subscribed handlers.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/coachly/coachly/internal/broadcast"
)

var ErrNotConnected = errors.New("websocket is not connected")

const (
	DefaultBaseDelay    = time.Second
	DefaultJitter       = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxRetries   = 15
	DefaultPingInterval = 25 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// Config configures a Client. Zero durations and retries take the defaults.
type Config struct {
	URL          string
	Token        string
	PingInterval time.Duration
	WriteTimeout time.Duration
	BaseDelay    time.Duration
	Jitter       time.Duration
	MaxDelay     time.Duration
	MaxRetries   uint64
	Dialer       *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// Frame is a server message as received.
type Frame struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateFunc observes connection state changes.
type StateFunc func(from, to broadcast.ConnState)

// CatchUpFunc re-fetches the current state of rooms. The server does not
// replay events published while the client was disconnected.
type CatchUpFunc func(ctx context.Context, rooms []string)

// Client is a reconnecting viewer connection. Rooms joined before Run are
// joined on connect.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	state       broadcast.ConnState
	conn        *websocket.Conn
	rooms       map[string]struct{}
	handlers    map[string]map[uint64]func(Frame)
	stateFns    map[uint64]StateFunc
	catchUps    map[uint64]CatchUpFunc
	nextHandler uint64

	writeMu sync.Mutex
}

// New returns a disconnected client.
func New(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:      cfg.withDefaults(),
		logger:   log.With(slog.String("service", "wsclient")),
		state:    broadcast.StateDisconnected,
		rooms:    map[string]struct{}{},
		handlers: map[string]map[uint64]func(Frame){},
		stateFns: map[uint64]StateFunc{},
		catchUps: map[uint64]CatchUpFunc{},
	}
}

func (c *Client) State() broadcast.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the remembered rooms, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// OnState registers fn for state changes and returns a func that removes it.
func (c *Client) OnState(fn StateFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.stateFns[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateFns, id)
	}
}

// OnConnected registers fn to run after every connect, once the remembered
// rooms were re-joined and before server frames are read. It returns a func
// that removes fn.
func (c *Client) OnConnected(fn CatchUpFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.catchUps[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.catchUps, id)
	}
}

// Subscribe registers handler for frames of frameType, or every frame when
// frameType is broadcast.AnyEvent.
func (c *Client) Subscribe(frameType string, handler func(Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	if c.handlers[frameType] == nil {
		c.handlers[frameType] = map[uint64]func(Frame){}
	}
	c.handlers[frameType][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[frameType], id)
		if len(c.handlers[frameType]) == 0 {
			delete(c.handlers, frameType)
		}
	}
}

// Join remembers room and, when connected, asks the server to join it.
// Remembered rooms are joined again after every reconnect.
func (c *Client) Join(room string) error {
	if _, ok := broadcast.BotIDFromRoom(room); !ok {
		return broadcast.ErrInvalidRoom
	}
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	connected := c.state == broadcast.StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(broadcast.NewRoomFrame(broadcast.FrameJoin, room))
}

// Leave forgets room and, when connected, asks the server to leave it.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	connected := c.state == broadcast.StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.send(broadcast.NewRoomFrame(broadcast.FrameLeave, room))
}

// Run connects and keeps the connection alive until ctx is done or the
// reconnect attempts are exhausted.
func (c *Client) Run(ctx context.Context) error {
	c.setState(broadcast.StateConnecting)
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(broadcast.StateDisconnected)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect %s: %w", c.cfg.URL, err)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(broadcast.StateConnected)
		c.rejoin()
		c.catchUp(ctx)

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			c.setState(broadcast.StateDisconnected)
			return nil
		}
		c.logger.Warn("connection lost", slog.Any("error", err))
		c.setState(broadcast.StateReconnecting)
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BaseDelay)
	if c.cfg.Jitter > 0 {
		b = retry.WithJitter(c.cfg.Jitter, b)
	}
	b = retry.WithCappedDuration(c.cfg.MaxDelay, b)
	return retry.WithMaxRetries(c.cfg.MaxRetries, b)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if strings.TrimSpace(c.cfg.Token) != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	var conn *websocket.Conn
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("dial: %w", err)
			}
			c.logger.Debug("dial failed", slog.Int("attempt", attempt), slog.Any("error", err))
			return retry.RetryableError(err)
		}
		conn = ws
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.send(broadcast.NewRoomFrame(broadcast.FrameJoin, room)); err != nil {
			c.logger.Warn("rejoin failed", slog.String("room", room), slog.Any("error", err))
			return
		}
	}
}

func (c *Client) catchUp(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.catchUps))
	for id := range c.catchUps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]CatchUpFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.catchUps[id])
	}
	c.mu.Unlock()

	rooms := c.Rooms()
	for _, fn := range fns {
		fn(ctx, rooms)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.cfg.WriteTimeout))
				c.writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := c.send(broadcast.ClientFrame{Type: broadcast.FramePing}); err != nil {
					c.logger.Debug("heartbeat failed", slog.Any("error", err))
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("invalid frame", slog.Any("error", err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	c.mu.Lock()
	var hs []func(Frame)
	for _, key := range []string{frame.Type, broadcast.AnyEvent} {
		ids := make([]uint64, 0, len(c.handlers[key]))
		for id := range c.handlers[key] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			hs = append(hs, c.handlers[key][id])
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (c *Client) send(frame broadcast.ClientFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setState(to broadcast.ConnState) {
	c.mu.Lock()
	from := c.state
	if from == to || !broadcast.CanTransition(from, to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	ids := make([]uint64, 0, len(c.stateFns))
	for id := range c.stateFns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]StateFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.stateFns[id])
	}
	c.mu.Unlock()

	c.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	for _, fn := range fns {
		fn(from, to)
	}
}
