package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// dialTestConn spins up an echo endpoint and returns both ends of a live
// websocket connection
func dialTestConn(t *testing.T, sender *WebSocketSender, connectionID string) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		sender.Register(connectionID, conn)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	// Wait for the server side to register
	require.Eventually(t, func() bool {
		sender.mu.RLock()
		defer sender.mu.RUnlock()
		_, ok := sender.conns[connectionID]
		return ok
	}, time.Second, time.Millisecond)

	return client
}

func TestWebSocketSenderDeliversJSON(t *testing.T) {
	sender := NewWebSocketSender(time.Second, testLogger())
	client := dialTestConn(t, sender, "conn-1")

	msg := &OutboundMessage{
		Kind:      KindAIResponse,
		SessionID: "sess-1",
		Sequence:  3,
		Text:      "Please remove me from your list.",
		Timestamp: time.Now(),
	}
	require.NoError(t, sender.Send("conn-1", msg))

	var received OutboundMessage
	client.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, client.ReadJSON(&received))

	assert.Equal(t, KindAIResponse, received.Kind)
	assert.Equal(t, "sess-1", received.SessionID)
	assert.Equal(t, uint64(3), received.Sequence)
	assert.Equal(t, msg.Text, received.Text)
}

func TestWebSocketSenderUnknownConnection(t *testing.T) {
	sender := NewWebSocketSender(time.Second, testLogger())

	err := sender.Send("ghost", &OutboundMessage{Kind: KindTranscript})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestWebSocketSenderUnregisterClosesConnection(t *testing.T) {
	sender := NewWebSocketSender(time.Second, testLogger())
	client := dialTestConn(t, sender, "conn-1")

	sender.Unregister("conn-1")

	err := sender.Send("conn-1", &OutboundMessage{Kind: KindTranscript})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, _, readErr := client.ReadMessage()
	assert.Error(t, readErr, "the peer sees the connection closed")
}

func TestChannelSenderBackpressure(t *testing.T) {
	sender := NewChannelSender(2)

	require.NoError(t, sender.Send("conn-1", &OutboundMessage{Kind: KindTranscript}))
	require.NoError(t, sender.Send("conn-1", &OutboundMessage{Kind: KindAIResponse}))

	err := sender.Send("conn-1", &OutboundMessage{Kind: KindAudioResponse})
	assert.True(t, errors.Is(err, errors.ErrResourceExhausted))

	first := <-sender.Messages
	assert.Equal(t, KindTranscript, first.Kind)
}
