package http

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ws "lessonforge/internal/websocket"
)

func dialHub(t *testing.T, ts *testServer, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
}

func TestWebSocketHandler(t *testing.T) {
	ts := newTestServer(t)

	t.Run("welcome and broadcast", func(t *testing.T) {
		conn, _, err := dialHub(t, ts, "")
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		var welcome ws.Message
		require.NoError(t, conn.ReadJSON(&welcome))
		assert.Equal(t, ws.TypeConnection, welcome.Type)

		require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
		ts.hub.BroadcastUpdate(ws.TypeBatchUpdate, "b1", "running", map[string]int{"completed": 1})

		var update ws.Message
		require.NoError(t, conn.ReadJSON(&update))
		assert.Equal(t, ws.TypeBatchUpdate, update.Type)
		assert.Equal(t, "b1", update.ID)
	})

	t.Run("same host origin", func(t *testing.T) {
		conn, _, err := dialHub(t, ts, ts.URL)
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("foreign origin is refused", func(t *testing.T) {
		_, resp, err := dialHub(t, ts, "http://evil.example")
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.True(t, ts.logs.ContainsMessage("websocket_upgrade_failed"))
	})
}
