package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/aof/internal/events"
)

func wsDial(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketPingPong(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "ping"}))
	msg := readMsg(t, ws)
	assert.Equal(t, "pong", msg["type"])

	require.Eventually(t, func() bool {
		return e.server.wsHandler.ConnectionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketSubscribeAck(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "subscribe", TaskID: "*"}))
	msg := readMsg(t, ws)
	assert.Equal(t, "subscribed", msg["type"])
	assert.Equal(t, "*", msg["taskId"])
}

func TestWebSocketForwardsEvents(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "subscribe", TaskID: "*"}))
	readMsg(t, ws) // ack; the subscription is registered before it is sent

	e.server.publisher.Publish(events.Event{
		EventID:   7,
		Type:      events.EventTaskCreated,
		Timestamp: time.Now().UTC(),
		Actor:     "alice",
		TaskID:    "DEMO-20260301-001",
		Payload:   map[string]any{"title": "First"},
	})

	msg := readMsg(t, ws)
	assert.Equal(t, "event", msg["type"])
	assert.Equal(t, "task.created", msg["event"])
	assert.Equal(t, "DEMO-20260301-001", msg["taskId"])
	assert.Equal(t, "alice", msg["actor"])
	assert.Equal(t, float64(7), msg["eventId"])
}

func TestWebSocketSubscribeFiltersByTask(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "subscribe", TaskID: "DEMO-20260301-001"}))
	readMsg(t, ws) // ack

	e.server.publisher.Publish(events.Event{
		EventID: 1,
		Type:    events.EventTaskCreated,
		Actor:   "bob",
		TaskID:  "DEMO-20260301-002",
	})
	e.server.publisher.Publish(events.Event{
		EventID: 2,
		Type:    events.EventTaskTransitioned,
		Actor:   "alice",
		TaskID:  "DEMO-20260301-001",
	})

	// The first frame after the ack must be the subscribed task's event;
	// the other task's event is never forwarded.
	msg := readMsg(t, ws)
	assert.Equal(t, "DEMO-20260301-001", msg["taskId"])
	assert.Equal(t, "task.transitioned", msg["event"])
}

func TestWebSocketInvalidJSON(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "invalid message format", msg["error"])
}

func TestWebSocketSubscribeRequiresTaskID(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "subscribe"}))
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["error"], "taskId required")
}

func TestWebSocketUnknownMessageType(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "dance"}))
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unknown message type: dance", msg["error"])
}

func TestWebSocketTriggerWithoutSupervisor(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "trigger"}))
	msg := readMsg(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "no supervisor attached", msg["error"])
}

func TestWebSocketMultipleConnections(t *testing.T) {
	e := newEnv(t)
	ws1 := wsDial(t, e)
	wsDial(t, e)

	require.Eventually(t, func() bool {
		return e.server.wsHandler.ConnectionCount() == 2
	}, 2*time.Second, 20*time.Millisecond)

	ws1.Close()
	require.Eventually(t, func() bool {
		return e.server.wsHandler.ConnectionCount() == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWebSocketHandlerClose(t *testing.T) {
	e := newEnv(t)
	ws := wsDial(t, e)

	require.NoError(t, ws.WriteJSON(WSMessage{Type: "ping"}))
	readMsg(t, ws)

	e.server.wsHandler.Close()
	assert.Equal(t, 0, e.server.wsHandler.ConnectionCount())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}
