package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ghost_energy/internal/pipeline"
)

// dialHandler sets up a test server with the handler and returns a WS connection.
func dialHandler(t *testing.T, handler *Handler) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// readJSON reads the next JSON message from the connection.
func readJSON(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func sendJSON(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	data, err := NewEnvelope(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_NoRunYet(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	handler := NewHandler(hub, NewBridge(hub, logger, 5), logger)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()

	env := readJSON(t, conn)
	assert.Equal(t, TypeRunNone, env.Type)
}

func TestHandler_InitialLatestRun(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	bridge := NewBridge(hub, logger, 5)
	res := testResult()
	bridge.OnCompleted(res.Run, res)

	conn, cleanup := dialHandler(t, NewHandler(hub, bridge, logger))
	defer cleanup()

	env := readJSON(t, conn)
	require.Equal(t, TypeRunCompleted, env.Type)
	var p CompletedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "run-1", p.RunID)
}

func TestHandler_BroadcastsStages(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	bridge := NewBridge(hub, logger, 5)

	conn, cleanup := dialHandler(t, NewHandler(hub, bridge, logger))
	defer cleanup()
	readJSON(t, conn) // run:none
	waitForClients(t, hub, 1)

	bridge.OnStage(pipeline.Run{ID: "run-2"}, pipeline.StageReport{Stage: pipeline.StageBaseline, Rows: 10})
	env := readJSON(t, conn)
	assert.Equal(t, TypeRunStage, env.Type)
	var p StagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "run-2", p.RunID)
	assert.Equal(t, "baseline", p.Stage)
}

func TestHandler_RequestLatest(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	bridge := NewBridge(hub, logger, 5)

	conn, cleanup := dialHandler(t, NewHandler(hub, bridge, logger))
	defer cleanup()
	assert.Equal(t, TypeRunNone, readJSON(t, conn).Type)

	// unknown and malformed messages are ignored
	sendJSON(t, conn, "sim:start", nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	res := testResult()
	require.NoError(t, bridge.SetLatest(CompletedFromResult(res, 1)))
	sendJSON(t, conn, TypeRunRequestLatest, nil)

	env := readJSON(t, conn)
	require.Equal(t, TypeRunCompleted, env.Type)
	var p CompletedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Len(t, p.TopEvents, 1)
}

func TestHandler_UnregistersOnClose(t *testing.T) {
	logger := zap.NewNop()
	hub := NewHub(logger)
	handler := NewHandler(hub, NewBridge(hub, logger, 5), logger)

	conn, cleanup := dialHandler(t, handler)
	defer cleanup()
	readJSON(t, conn)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitForClients(t, hub, 0)
}
