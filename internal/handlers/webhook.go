package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coachly/coachly/internal/ingest"
	"github.com/coachly/coachly/internal/livesession"
)

const WebhookSecretHeader = "X-Webhook-Secret"

// Webhook event names sent by the meeting bot platform.
const (
	WebhookTranscriptData    = "transcript.data"
	WebhookTranscriptPartial = "transcript.partial_data"
	WebhookStatusChange      = "bot.status_change"
	WebhookBotDone           = "bot.done"
)

type WebhookHandler struct {
	logger   *slog.Logger
	pipeline *ingest.Pipeline
	secret   string
	now      func() time.Time
}

type WebhookEnvelope struct {
	Event string          `json:"event" validate:"required,oneof=transcript.data transcript.partial_data bot.status_change bot.done"`
	Data  json.RawMessage `json:"data" validate:"required"`
}

type WebhookWord struct {
	Text string `json:"text"`
}

type TranscriptPayload struct {
	BotID      string        `json:"bot_id" validate:"required"`
	Speaker    string        `json:"speaker" validate:"required"`
	Text       string        `json:"text"`
	Words      []WebhookWord `json:"words"`
	Timestamp  *time.Time    `json:"timestamp"`
	Confidence *float64      `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	StartTime  *float64      `json:"start_time" validate:"omitempty,gte=0"`
	EndTime    *float64      `json:"end_time" validate:"omitempty,gte=0"`
}

type StatusPayload struct {
	BotID  string `json:"bot_id" validate:"required"`
	Status string `json:"status" validate:"required"`
}

type BotDonePayload struct {
	BotID string `json:"bot_id" validate:"required"`
}

type WebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func NewWebhookHandler(log *slog.Logger, pipeline *ingest.Pipeline, secret string) *WebhookHandler {
	return &WebhookHandler{
		logger:   log.With(slog.String("handler", "webhook")),
		pipeline: pipeline,
		secret:   strings.TrimSpace(secret),
		now:      time.Now,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/bot", h.Receive)
}

// Receive ingests one platform event. Transcript and status events are
// queued and acknowledged immediately; bot.done waits for the final save.
func (h *WebhookHandler) Receive(c echo.Context) error {
	if !h.authorized(c.Request().Header.Get(WebhookSecretHeader)) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook secret")
	}
	var env WebhookEnvelope
	if err := c.Bind(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	switch env.Event {
	case WebhookTranscriptData, WebhookTranscriptPartial:
		var p TranscriptPayload
		if err := h.decode(c, env.Data, &p); err != nil {
			return err
		}
		entry, err := h.entryFrom(p, env.Event == WebhookTranscriptData)
		if err != nil {
			return err
		}
		if err := h.pipeline.OnTranscriptEvent(strings.TrimSpace(p.BotID), entry); err != nil {
			return mapError(err)
		}
	case WebhookStatusChange:
		var p StatusPayload
		if err := h.decode(c, env.Data, &p); err != nil {
			return err
		}
		if err := h.pipeline.OnBotStatusEvent(strings.TrimSpace(p.BotID), p.Status); err != nil {
			return mapError(err)
		}
	case WebhookBotDone:
		var p BotDonePayload
		if err := h.decode(c, env.Data, &p); err != nil {
			return err
		}
		res, err := h.pipeline.OnSessionEnd(c.Request().Context(), strings.TrimSpace(p.BotID))
		if err != nil {
			return mapError(err)
		}
		if !res.Success {
			// the live session is kept for a retry; the platform need not resend
			return c.JSON(http.StatusAccepted, WebhookResponse{Success: false, Message: res.Error.Error()})
		}
	}
	return c.JSON(http.StatusOK, WebhookResponse{Success: true})
}

func (h *WebhookHandler) authorized(got string) bool {
	if h.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}

func (h *WebhookHandler) decode(c echo.Context, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event data: "+err.Error())
	}
	if err := c.Validate(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func (h *WebhookHandler) entryFrom(p TranscriptPayload, final bool) (livesession.TranscriptEntry, error) {
	text := strings.TrimSpace(p.Text)
	if text == "" && len(p.Words) > 0 {
		parts := make([]string, 0, len(p.Words))
		for _, w := range p.Words {
			if t := strings.TrimSpace(w.Text); t != "" {
				parts = append(parts, t)
			}
		}
		text = strings.Join(parts, " ")
	}
	if text == "" {
		return livesession.TranscriptEntry{}, echo.NewHTTPError(http.StatusBadRequest, "transcript text is required")
	}
	ts := h.now().UTC()
	if p.Timestamp != nil && !p.Timestamp.IsZero() {
		ts = p.Timestamp.UTC()
	}
	confidence := 1.0
	if p.Confidence != nil {
		confidence = *p.Confidence
	}
	return livesession.TranscriptEntry{
		Speaker:    strings.TrimSpace(p.Speaker),
		Text:       text,
		Timestamp:  ts,
		Confidence: confidence,
		IsFinal:    final,
		StartTime:  p.StartTime,
		EndTime:    p.EndTime,
	}, nil
}
