package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewEnvelope(t *testing.T) {
	payload := StagePayload{RunID: "r1", Stage: "residual", DurationMS: 12.5, Rows: 336, Flagged: 5}

	msg, err := NewEnvelope(TypeRunStage, payload)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, TypeRunStage, env.Type)

	var parsed StagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &parsed))
	assert.Equal(t, payload, parsed)
}

func TestNewEnvelope_NoPayload(t *testing.T) {
	msg, err := NewEnvelope(TypeRunNone, nil)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, TypeRunNone, env.Type)
	assert.Nil(t, env.Payload)
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	c := &Client{hub: hub, send: make(chan []byte, 16)}

	hub.Register(c)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unregister(c)
	assert.Equal(t, 0, hub.ClientCount())
	_, open := <-c.send
	assert.False(t, open)

	// second unregister is a no-op
	assert.NotPanics(t, func() { hub.Unregister(c) })
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	c1 := &Client{hub: hub, send: make(chan []byte, 16)}
	c2 := &Client{hub: hub, send: make(chan []byte, 16)}
	hub.Register(c1)
	hub.Register(c2)

	msg := []byte(`{"type":"test"}`)
	hub.Broadcast(msg)

	assert.Equal(t, msg, <-c1.send)
	assert.Equal(t, msg, <-c2.send)
}

func TestHub_BroadcastDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	c := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.Register(c)

	hub.Broadcast([]byte("one"))
	hub.Broadcast([]byte("two"))

	assert.Equal(t, []byte("one"), <-c.send)
	assert.Len(t, c.send, 0)
}

func TestMessageTypes(t *testing.T) {
	assert.Equal(t, "run:stage", TypeRunStage)
	assert.Equal(t, "run:completed", TypeRunCompleted)
	assert.Equal(t, "run:none", TypeRunNone)
	assert.Equal(t, "run:request_latest", TypeRunRequestLatest)
}
