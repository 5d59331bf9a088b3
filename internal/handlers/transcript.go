package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coachly/coachly/internal/auth"
	"github.com/coachly/coachly/internal/batch"
	"github.com/coachly/coachly/internal/identity"
	"github.com/coachly/coachly/internal/ingest"
	"github.com/coachly/coachly/internal/livesession"
	"github.com/coachly/coachly/internal/storage"
)

type TranscriptHandler struct {
	logger   *slog.Logger
	live     *livesession.Store
	engine   *batch.Engine
	pipeline *ingest.Pipeline
	store    storage.TranscriptStore
}

type TranscriptResponse struct {
	Bot         livesession.BotInfo           `json:"bot"`
	Transcript  []livesession.TranscriptEntry `json:"transcript"`
	LastUpdated time.Time                     `json:"last_updated"`
}

type ForceSaveResponse struct {
	Success    bool   `json:"success"`
	SavedCount int    `json:"saved_count"`
	Message    string `json:"message"`
}

type RegisterSessionRequest struct {
	MeetingURL string `json:"meeting_url" validate:"omitempty,url"`
	Platform   string `json:"platform"`
	MeetingID  string `json:"meeting_id"`
	Status     string `json:"status"`
}

type RegisterSessionResponse struct {
	BotID     string `json:"bot_id"`
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
}

type SessionTranscriptResponse struct {
	SessionID string          `json:"session_id"`
	Entries   []storage.Entry `json:"entries"`
}

func NewTranscriptHandler(log *slog.Logger, live *livesession.Store, engine *batch.Engine, pipeline *ingest.Pipeline, store storage.TranscriptStore) *TranscriptHandler {
	return &TranscriptHandler{
		logger:   log.With(slog.String("handler", "transcript")),
		live:     live,
		engine:   engine,
		pipeline: pipeline,
		store:    store,
	}
}

func (h *TranscriptHandler) Register(e *echo.Echo) {
	group := e.Group("/bots")
	group.GET("/:bot_id/transcript", h.GetTranscript)
	group.GET("/:bot_id/save-status", h.GetSaveStatus)
	group.POST("/:bot_id/force-save", h.ForceSave)
	group.POST("/:bot_id/end", h.EndSession)
	group.POST("/:bot_id/session", h.RegisterSession)
	e.GET("/sessions/:session_id/transcript", h.GetSessionTranscript)
}

// GetTranscript returns the live transcript of a bot so a viewer can catch
// up before following the room.
func (h *TranscriptHandler) GetTranscript(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	sess, ok := h.live.Get(botID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, livesession.ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, TranscriptResponse{
		Bot:         sess.Bot,
		Transcript:  sess.Transcript,
		LastUpdated: sess.LastUpdated,
	})
}

func (h *TranscriptHandler) GetSaveStatus(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	status, ok := h.engine.Status(botID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, livesession.ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, status)
}

func (h *TranscriptHandler) ForceSave(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	res := h.engine.ForceSave(c.Request().Context(), botID)
	if res.Error != nil {
		if errors.Is(res.Error, livesession.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, res.Error.Error())
		}
		h.logger.Warn("force save failed", slog.String("bot_id", botID), slog.Any("error", res.Error))
		return echo.NewHTTPError(http.StatusInternalServerError, res.Error.Error())
	}
	return c.JSON(http.StatusOK, ForceSaveResponse{
		Success:    true,
		SavedCount: res.SavedCount,
		Message:    fmt.Sprintf("Saved %d transcript entries", res.SavedCount),
	})
}

// EndSession force-saves and evicts the live session. A failed save keeps
// the session and is reported as 500.
func (h *TranscriptHandler) EndSession(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	res, err := h.pipeline.OnSessionEnd(c.Request().Context(), botID)
	if err != nil {
		return mapError(err)
	}
	if !res.Success {
		return echo.NewHTTPError(http.StatusInternalServerError, res.Error.Error())
	}
	return c.JSON(http.StatusOK, ForceSaveResponse{
		Success:    true,
		SavedCount: res.SavedCount,
		Message:    fmt.Sprintf("Session ended, saved %d transcript entries", res.SavedCount),
	})
}

// RegisterSession records a bot for the authenticated user and ensures its
// durable coaching session.
func (h *TranscriptHandler) RegisterSession(c echo.Context) error {
	botID, err := botIDParam(c)
	if err != nil {
		return err
	}
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req RegisterSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.pipeline.RegisterBot(c.Request().Context(), livesession.BotInfo{
		ID:         botID,
		Status:     req.Status,
		MeetingURL: req.MeetingURL,
		Platform:   req.Platform,
		MeetingID:  req.MeetingID,
		OwnerID:    userID,
	})
	if err != nil {
		return mapError(err)
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	return c.JSON(status, RegisterSessionResponse{BotID: botID, SessionID: res.SessionID, Created: res.Created})
}

// GetSessionTranscript returns the durable transcript of a coaching session
// in index order.
func (h *TranscriptHandler) GetSessionTranscript(c echo.Context) error {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	entries, err := h.store.ListTranscript(c.Request().Context(), sessionID)
	if err != nil {
		return mapError(err)
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	return c.JSON(http.StatusOK, SessionTranscriptResponse{SessionID: sessionID, Entries: entries})
}

func botIDParam(c echo.Context) (string, error) {
	botID := strings.TrimSpace(c.Param("bot_id"))
	if botID == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "bot id is required")
	}
	return botID, nil
}

// mapError converts pipeline errors into HTTP errors.
func mapError(err error) error {
	switch {
	case errors.Is(err, livesession.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, livesession.ErrInvalidBotID),
		errors.Is(err, ingest.ErrInvalidBotID),
		errors.Is(err, identity.ErrInvalidBotID),
		errors.Is(err, identity.ErrOwnerRequired),
		errors.Is(err, batch.ErrPartialBatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrPersistenceUnavailable),
		errors.Is(err, ingest.ErrClosed),
		errors.Is(err, batch.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
