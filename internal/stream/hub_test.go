package stream

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
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, "user-1")
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func subscribe(t *testing.T, conn *websocket.Conn, ids ...string) Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{Type: TypeSubscribe, Portfolios: ids}))
	return read(t, conn)
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubSubscriptions(t *testing.T) {
	t.Run("should acknowledge subscriptions sorted", func(t *testing.T) {
		_, url := startHub(t)
		conn := dial(t, url)

		ack := subscribe(t, conn, "pf-2", "pf-1", "")
		assert.Equal(t, TypeSubscribed, ack.Type)
		assert.Equal(t, []string{"pf-1", "pf-2"}, ack.Portfolios)

		require.NoError(t, conn.WriteJSON(Message{Type: TypeUnsubscribe, Portfolios: []string{"pf-2"}}))
		ack = read(t, conn)
		assert.Equal(t, []string{"pf-1"}, ack.Portfolios)
	})

	t.Run("should reject unknown and malformed messages", func(t *testing.T) {
		_, url := startHub(t)
		conn := dial(t, url)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
		assert.Equal(t, TypeError, read(t, conn).Type)

		require.NoError(t, conn.WriteJSON(Message{Type: "dance"}))
		msg := read(t, conn)
		assert.Equal(t, TypeError, msg.Type)
		assert.Contains(t, msg.Error, "dance")
	})
}

func TestHubPublish(t *testing.T) {
	t.Run("should deliver only to subscribers", func(t *testing.T) {
		hub, url := startHub(t)
		a := dial(t, url)
		b := dial(t, url)
		waitForClients(t, hub, 2)

		subscribe(t, a, "pf-1")
		subscribe(t, b, "pf-2")

		require.NoError(t, hub.Publish(TypeScore, "pf-1", map[string]int{"score": 70}))

		msg := read(t, a)
		assert.Equal(t, TypeScore, msg.Type)
		assert.Equal(t, "pf-1", msg.PortfolioID)
		var data map[string]int
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, 70, data["score"])

		require.NoError(t, b.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
		_, _, err := b.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("should forget clients that disconnect", func(t *testing.T) {
		hub, url := startHub(t)
		conn := dial(t, url)
		waitForClients(t, hub, 1)

		conn.Close()
		waitForClients(t, hub, 0)
		assert.NoError(t, hub.Publish(TypeScore, "pf-1", 1))
	})

	t.Run("should reject unmarshalable payloads", func(t *testing.T) {
		hub := NewHub(nil, nil)
		assert.Error(t, hub.Publish(TypeScore, "pf-1", make(chan int)))
	})
}
