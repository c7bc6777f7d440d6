package live_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*live.Hub, *httptest.Server) {
	t.Helper()
	hub := live.NewHub(logrus.New())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// tests pick the principal through the query string
		var id int64 = 1
		if r.URL.Query().Get("as") == "2" {
			id = 2
		}
		hub.ServeWS(w, r, models.Principal{ID: id})
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func waitForMembers(t *testing.T, hub *live.Hub, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Members(room) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PrincipalRoom(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "as=1")
	waitForMembers(t, hub, live.UserRoom(1), 1)

	ev := models.LiveEvent{ID: "e1", Type: models.NewNotificationEvent, DocumentID: 9, NotificationID: 3, Kind: models.NewRequestNotification}
	require.NoError(t, hub.NotifyPrincipal(context.Background(), 1, ev))
	require.NoError(t, hub.NotifyPrincipal(context.Background(), 2, ev)) // nobody listening

	var msg live.Message
	readMessage(t, conn, &msg)
	assert.Equal(t, "user:1", msg.Room)
	assert.Equal(t, models.NewNotificationEvent, msg.Event)
	assert.Equal(t, int64(3), msg.Data.NotificationID)
}

func TestHub_DocumentRoom(t *testing.T) {
	hub, srv := newTestHub(t)
	observer := dial(t, srv, "as=2")
	waitForMembers(t, hub, live.UserRoom(2), 1)

	require.NoError(t, observer.WriteJSON(map[string]string{"action": "join", "room": "document:9"}))
	var ack map[string]string
	readMessage(t, observer, &ack)
	assert.Equal(t, "joined", ack["event"])
	assert.Equal(t, 1, hub.Members(live.DocumentRoom(9)))

	ev := models.LiveEvent{Type: models.DocumentUpdatedEvent, DocumentID: 9, Status: models.ApprovedDocumentStatus, Position: 2}
	require.NoError(t, hub.NotifyDocument(context.Background(), 9, ev))
	var msg live.Message
	readMessage(t, observer, &msg)
	assert.Equal(t, "document:9", msg.Room)
	assert.Equal(t, models.ApprovedDocumentStatus, msg.Data.Status)

	require.NoError(t, observer.WriteJSON(map[string]string{"action": "leave", "room": "document:9"}))
	readMessage(t, observer, &ack)
	assert.Equal(t, "left", ack["event"])
	assert.Equal(t, 0, hub.Members(live.DocumentRoom(9)))
}

func TestHub_RefusesForeignUserRoom(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "as=2")
	waitForMembers(t, hub, live.UserRoom(2), 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "room": "user:1"}))
	var ack map[string]string
	readMessage(t, conn, &ack)
	assert.Equal(t, "error", ack["event"])
	assert.Equal(t, 0, hub.Members(live.UserRoom(1)))
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "as=1")
	waitForMembers(t, hub, live.UserRoom(1), 1)

	require.NoError(t, conn.Close())
	waitForMembers(t, hub, live.UserRoom(1), 0)
}
