package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

func startWebsocketServer(t *testing.T, hub *Hub, ownerID string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeWebsocket(r.Context(), ownerID, ws, WebsocketConfig{WriteTimeout: time.Second, PongTimeout: 5 * time.Second})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServeWebsocket_DeliversEvents(t *testing.T) {
	hub := newTestHub()
	url := startWebsocketServer(t, hub, "owner-1")

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting map[string]any
	require.NoError(t, client.ReadJSON(&greeting))
	assert.Equal(t, "connection_established", greeting["type"])
	assert.NotContains(t, greeting, "ownerId")

	require.Eventually(t, func() bool { return hub.Connected("owner-1") }, time.Second, 5*time.Millisecond)
	phone := "+15550100"
	body := "Your code is 482913"
	code := "482913"
	ev := domain.NewVerificationEvent(domain.EventSMSReceived, &domain.Verification{
		ID: "v-1", OwnerID: "owner-1", Status: domain.StatusCompleted,
		PhoneNumber: &phone, MessageBody: &body, Code: &code,
	}, time.Now())
	require.True(t, hub.Send(context.Background(), "owner-1", ev))

	var got map[string]any
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, "sms_received", got["type"])
	assert.Equal(t, "v-1", got["verificationId"])
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "+15550100", got["phoneNumber"])
	assert.Equal(t, "Your code is 482913", got["message"])
	assert.Equal(t, "482913", got["code"])
	assert.NotEmpty(t, got["timestamp"])
}

func TestServeWebsocket_ClientCloseRemovesConnection(t *testing.T) {
	hub := newTestHub()
	url := startWebsocketServer(t, hub, "owner-1")

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Connected("owner-1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	client.Close()

	assert.Eventually(t, func() bool { return !hub.Connected("owner-1") }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWebsocket_ReconnectReplacesOld(t *testing.T) {
	hub := newTestHub()
	url := startWebsocketServer(t, hub, "owner-1")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var greeting map[string]any
	require.NoError(t, first.ReadJSON(&greeting))

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&greeting))

	// The first socket is closed by the server once replaced.
	_, _, err = first.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 1, hub.Count())
}
