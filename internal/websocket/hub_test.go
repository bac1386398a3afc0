package websocket

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

	"lessonforge/internal/shared/testutil"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	hub.Start()
	t.Cleanup(hub.Stop)
	return hub
}

func receive(t *testing.T, ch <-chan []byte) Message {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "send channel closed")
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	hub.SetReplay(func() []Message {
		return []Message{{Type: TypeBatchUpdate, ID: "b1", Data: map[string]int{"completed": 2}}}
	})
	hub.Start()
	defer hub.Stop()

	client := NewClient(hub, newMockConnection(), "trace-1", logger)
	hub.Register(client)

	welcome := receive(t, client.send)
	assert.Equal(t, TypeConnection, welcome.Type)
	assert.Equal(t, "trace-1", welcome.TraceID)

	replayed := receive(t, client.send)
	assert.Equal(t, TypeBatchUpdate, replayed.Type)
	assert.Equal(t, "b1", replayed.ID)

	hub.BroadcastUpdate(TypeLessonUpdate, "run-1", "update", map[string]string{"status": "running"})
	live := receive(t, client.send)
	assert.Equal(t, TypeLessonUpdate, live.Type)
	assert.Equal(t, "run-1", live.ID)
	assert.Equal(t, "update", live.Action)
	assert.False(t, live.Timestamp.IsZero())

	assert.Equal(t, 1, hub.ClientCount())
	stats := hub.Stats()
	assert.EqualValues(t, 1, stats.TotalConnections)
	assert.EqualValues(t, 1, stats.MessagesSent)
}

func TestHubUnregister(t *testing.T) {
	hub := newTestHub(t)
	client := NewClient(hub, newMockConnection(), "", nil)
	hub.Register(client)
	receive(t, client.send)

	hub.Unregister(client)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := <-client.send
	assert.False(t, ok, "send channel is closed on unregister")

	// A second unregister is a no-op.
	hub.Unregister(client)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := newTestHub(t)
	slow := &Client{hub: hub, id: "slow", send: make(chan []byte), connectedAt: time.Now()}
	hub.Register(slow)

	hub.BroadcastUpdate(TypeLessonUpdate, "run-1", "update", nil)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, hub.Stats().MessagesDropped, int64(1))
}

func TestHubStop(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	hub.Start()

	client := NewClient(hub, newMockConnection(), "", logger)
	hub.Register(client)
	receive(t, client.send)

	hub.Stop()
	hub.Stop()

	_, ok := <-client.send
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ClientCount())

	t.Run("broadcast after stop does not block", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			hub.BroadcastUpdate(TypeBatchUpdate, "b1", "update", nil)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcast blocked")
		}
	})

	t.Run("register after stop closes the client", func(t *testing.T) {
		late := NewClient(hub, newMockConnection(), "", logger)
		hub.Register(late)
		_, ok := <-late.send
		assert.False(t, ok)
	})
}

func TestClientPumps(t *testing.T) {
	hub := newTestHub(t)
	conn := newMockConnection(heartbeat)
	client := NewClient(hub, conn, "", nil)
	hub.Register(client)

	go client.WritePump()
	go client.ReadPump()

	hub.BroadcastUpdate(TypeLessonUpdate, "run-1", "update", nil)

	assert.Eventually(t, func() bool {
		for _, m := range conn.Written() {
			if m.Type == websocket.TextMessage && strings.Contains(string(m.Data), TypeLessonUpdate) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.Stats().MessagesReceived == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, maxMessageSize, conn.readLimit())
}

func TestServeWS(t *testing.T) {
	hub := newTestHub(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ServeWS(hub, conn, "trace-ws", nil)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeConnection, msg.Type)

	hub.BroadcastUpdate(TypeBatchUpdate, "b7", "update", map[string]int{"failed": 1})
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeBatchUpdate, msg.Type)
	assert.Equal(t, "b7", msg.ID)
}
