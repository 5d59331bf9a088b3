package broadcast

import "encoding/json"

// Frame types a viewer sends.
const (
	FrameJoin  = "join"
	FrameLeave = "leave"
	FramePing  = "ping"
)

// Frame types the server sends besides room events.
const (
	FramePong   = "pong"
	FrameJoined = "joined"
	FrameLeft   = "left"
)

// ClientFrame is a viewer request.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RoomData is the payload of join, leave, joined and left frames.
type RoomData struct {
	Room string `json:"room"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
	BotID   string `json:"bot_id,omitempty"`
}

// NewRoomFrame builds a join or leave request for room.
func NewRoomFrame(frameType, room string) ClientFrame {
	raw, _ := json.Marshal(RoomData{Room: room})
	return ClientFrame{Type: frameType, Data: raw}
}

// Room decodes the room carried by a join or leave frame.
func (f ClientFrame) Room() (string, error) {
	var data RoomData
	if len(f.Data) == 0 {
		return "", ErrInvalidRoom
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return "", err
	}
	if _, ok := BotIDFromRoom(data.Room); !ok {
		return "", ErrInvalidRoom
	}
	return data.Room, nil
}
