// Package broadcast fans live transcript events out to viewers joined to
// per-bot rooms. Delivery never blocks the publisher: a viewer whose buffer
// is full misses the event.
package broadcast

import (
	"strings"
	"time"
)

// Event types carried on bot rooms.
const (
	EventTranscriptNew    = "transcript:new"
	EventTranscriptUpdate = "transcript:update"
	EventBotStatus        = "bot:status"
	EventError            = "error"
)

// RoomPrefix precedes the bot id in every room name.
const RoomPrefix = "bot:"

// BotRoom returns the room name for botID.
func BotRoom(botID string) string {
	return RoomPrefix + botID
}

// BotIDFromRoom extracts the bot id from a room name.
func BotIDFromRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, RoomPrefix)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// Event is one message delivered to a room. It is also the server frame
// written to websocket viewers.
type Event struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events on a connection's dispatch goroutine.
type Handler func(Event)

// AnyEvent subscribes a handler to every event type.
const AnyEvent = "*"
