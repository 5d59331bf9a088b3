package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coachly/coachly/internal/batch"
	"github.com/coachly/coachly/internal/broadcast"
	"github.com/coachly/coachly/internal/livesession"
)

type DebugHandler struct {
	logger *slog.Logger
	live   *livesession.Store
	engine *batch.Engine
	hub    *broadcast.Hub
}

type DebugSessionsResponse struct {
	Sessions    []livesession.SessionInfo `json:"sessions"`
	SessionIDs  []string                  `json:"session_ids"`
	Rooms       map[string]int            `json:"rooms"`
	Connections int                       `json:"connections"`
	Timestamp   time.Time                 `json:"timestamp"`
}

type DebugSessionResponse struct {
	Session    livesession.SessionInfo `json:"session"`
	SaveStatus *batch.SaveStatus       `json:"save_status,omitempty"`
	Viewers    int                     `json:"viewers"`
	Timestamp  time.Time               `json:"timestamp"`
}

func NewDebugHandler(log *slog.Logger, live *livesession.Store, engine *batch.Engine, hub *broadcast.Hub) *DebugHandler {
	return &DebugHandler{
		logger: log.With(slog.String("handler", "debug")),
		live:   live,
		engine: engine,
		hub:    hub,
	}
}

func (h *DebugHandler) Register(e *echo.Echo) {
	group := e.Group("/debug")
	group.GET("/sessions", h.ListSessions)
	group.GET("/sessions/:bot_id", h.GetSession)
}

func (h *DebugHandler) ListSessions(c echo.Context) error {
	sessions := h.live.AllSessionsInfo()
	if sessions == nil {
		sessions = []livesession.SessionInfo{}
	}
	return c.JSON(http.StatusOK, DebugSessionsResponse{
		Sessions:    sessions,
		SessionIDs:  h.live.ListSessionIDs(),
		Rooms:       h.hub.RoomStats(),
		Connections: h.hub.ConnCount(),
		Timestamp:   time.Now().UTC(),
	})
}

func (h *DebugHandler) GetSession(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	info, ok := h.live.SessionInfo(botID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, livesession.ErrNotFound.Error())
	}
	resp := DebugSessionResponse{
		Session:   info,
		Viewers:   h.hub.RoomStats()[broadcast.BotRoom(botID)],
		Timestamp: time.Now().UTC(),
	}
	if status, ok := h.engine.Status(botID); ok {
		resp.SaveStatus = &status
	}
	return c.JSON(http.StatusOK, resp)
}
