package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/coachly/coachly/internal/broadcast"
	"github.com/coachly/coachly/internal/config"
)

// LiveHandler serves the viewer websocket. Each socket becomes one hub
// connection; room events and replies are written by a single writer
// goroutine.
type LiveHandler struct {
	logger   *slog.Logger
	hub      *broadcast.Hub
	cfg      config.BroadcastConfig
	upgrader websocket.Upgrader
}

func NewLiveHandler(log *slog.Logger, hub *broadcast.Hub, cfg config.BroadcastConfig) *LiveHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &LiveHandler{
		logger: log.With(slog.String("handler", "live")),
		hub:    hub,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *LiveHandler) Register(e *echo.Echo) {
	e.GET("/ws", h.Serve)
}

func (h *LiveHandler) Serve(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the response
		return nil
	}
	defer ws.Close()
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	conn := h.hub.NewConn()
	if err := h.hub.SetState(conn, broadcast.StateConnecting); err != nil {
		h.hub.Disconnect(conn)
		return nil
	}
	if err := h.hub.SetState(conn, broadcast.StateConnected); err != nil {
		h.hub.Disconnect(conn)
		return nil
	}
	logger := h.logger.With(slog.String("conn_id", conn.ID()))
	logger.Debug("viewer connected")

	out := make(chan broadcast.Event, h.cfg.SendBuffer)
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	send := func(ev broadcast.Event) {
		select {
		case out <- ev:
		case <-stop:
		case <-writerDone:
		}
	}
	unsubscribe := conn.Subscribe(broadcast.AnyEvent, send)

	go func() {
		defer close(writerDone)
		h.writeLoop(ws, out, stop, logger)
	}()
	defer func() {
		unsubscribe()
		h.hub.Disconnect(conn)
		close(stop)
		<-writerDone
		logger.Debug("viewer disconnected", slog.Uint64("dropped", conn.Dropped()))
	}()

	h.readLoop(ws, conn, send, logger)
	return nil
}

func (h *LiveHandler) readLoop(ws *websocket.Conn, conn *broadcast.Conn, send func(broadcast.Event), logger *slog.Logger) {
	readWait := 2 * h.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		var frame broadcast.ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			send(h.frame(broadcast.EventError, "", broadcast.ErrorData{Message: "invalid frame"}))
			continue
		}
		switch frame.Type {
		case broadcast.FramePing:
			send(h.frame(broadcast.FramePong, "", nil))
		case broadcast.FrameJoin:
			room, err := frame.Room()
			if err == nil {
				err = h.hub.Join(conn, room)
			}
			if err != nil {
				send(h.frame(broadcast.EventError, room, broadcast.ErrorData{Message: joinError(err)}))
				continue
			}
			send(h.frame(broadcast.FrameJoined, room, broadcast.RoomData{Room: room}))
		case broadcast.FrameLeave:
			room, err := frame.Room()
			if err != nil {
				send(h.frame(broadcast.EventError, "", broadcast.ErrorData{Message: joinError(err)}))
				continue
			}
			h.hub.Leave(conn, room)
			send(h.frame(broadcast.FrameLeft, room, broadcast.RoomData{Room: room}))
		default:
			send(h.frame(broadcast.EventError, "", broadcast.ErrorData{Message: "unknown frame type: " + frame.Type}))
		}
	}
}

func (h *LiveHandler) writeLoop(ws *websocket.Conn, out <-chan broadcast.Event, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case ev := <-out:
			if err := ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = ws.Close()
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("write failed", slog.Any("error", err))
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (h *LiveHandler) frame(frameType, room string, data any) broadcast.Event {
	return broadcast.Event{Type: frameType, Room: room, Data: data, Timestamp: time.Now().UTC()}
}

func joinError(err error) string {
	if errors.Is(err, broadcast.ErrInvalidRoom) {
		return "invalid room, expected bot:<bot_id>"
	}
	return err.Error()
}
