package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachly/coachly/internal/broadcast"
)

type wsFrame struct {
	Type string          `json:"type"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"data"`
}

func dialLive(t *testing.T, h *apiHarness, token string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h.srv.Echo())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveRequiresToken(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	srv := httptest.NewServer(h.srv.Echo())
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestLiveJoinReceivesRoomEvents(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	conn := dialLive(t, h, h.token)

	require.NoError(t, conn.WriteJSON(broadcast.NewRoomFrame(broadcast.FrameJoin, broadcast.BotRoom("bot-1"))))
	joined := readFrame(t, conn)
	assert.Equal(t, broadcast.FrameJoined, joined.Type)
	assert.Equal(t, "bot:bot-1", joined.Room)

	require.Equal(t, http.StatusOK, h.webhook(t, WebhookTranscriptData, map[string]any{
		"bot_id": "bot-1", "speaker": "Coach", "text": "Welcome back",
	}).Code)

	ev := readFrame(t, conn)
	assert.Equal(t, broadcast.EventTranscriptNew, ev.Type)
	assert.Equal(t, "bot:bot-1", ev.Room)
	var payload struct {
		BotID string `json:"bot_id"`
		Entry struct {
			Text string `json:"text"`
		} `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "bot-1", payload.BotID)
	assert.Equal(t, "Welcome back", payload.Entry.Text)

	require.NoError(t, conn.WriteJSON(broadcast.ClientFrame{Type: broadcast.FramePing}))
	assert.Equal(t, broadcast.FramePong, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(broadcast.NewRoomFrame(broadcast.FrameLeave, broadcast.BotRoom("bot-1"))))
	assert.Equal(t, broadcast.FrameLeft, readFrame(t, conn).Type)
	require.Eventually(t, func() bool {
		return h.hub.RoomStats()["bot:bot-1"] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLiveRejectsBadFrames(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	conn := dialLive(t, h, h.token)

	require.NoError(t, conn.WriteJSON(broadcast.NewRoomFrame(broadcast.FrameJoin, "lobby")))
	assert.Equal(t, broadcast.EventError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, broadcast.EventError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(broadcast.ClientFrame{Type: "shout"}))
	assert.Equal(t, broadcast.EventError, readFrame(t, conn).Type)
}

func TestLiveDisconnectReleasesHubConn(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	conn := dialLive(t, h, h.token)

	require.NoError(t, conn.WriteJSON(broadcast.NewRoomFrame(broadcast.FrameJoin, broadcast.BotRoom("bot-2"))))
	readFrame(t, conn)
	assert.Equal(t, 1, h.hub.ConnCount())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return h.hub.ConnCount() == 0 && len(h.hub.RoomStats()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
