package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/errors"
)

// WebSocketSender delivers outbound messages over registered websocket
// connections. The transport listener registers connections as they attach;
// this sender only handles the outbound side.
type WebSocketSender struct {
	logger       *logrus.Entry
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// wsConn serializes writes to one websocket connection
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketSender creates a websocket-backed message sender
func NewWebSocketSender(writeTimeout time.Duration, logger *logrus.Logger) *WebSocketSender {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WebSocketSender{
		logger:       logger.WithField("component", "ws_sender"),
		writeTimeout: writeTimeout,
		conns:        make(map[string]*wsConn),
	}
}

// Register attaches a connection under the given connection ID, replacing
// any previous registration
func (s *WebSocketSender) Register(connectionID string, conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[connectionID] = &wsConn{conn: conn}
	s.mu.Unlock()

	s.logger.WithField("connection_id", connectionID).Debug("Connection registered")
}

// Unregister detaches and closes a connection
func (s *WebSocketSender) Unregister(connectionID string) {
	s.mu.Lock()
	wc, ok := s.conns[connectionID]
	delete(s.conns, connectionID)
	s.mu.Unlock()

	if ok {
		wc.mu.Lock()
		_ = wc.conn.Close()
		wc.mu.Unlock()
		s.logger.WithField("connection_id", connectionID).Debug("Connection unregistered")
	}
}

// Send writes one outbound message as JSON to the connection
func (s *WebSocketSender) Send(connectionID string, msg *OutboundMessage) error {
	s.mu.RLock()
	wc, ok := s.conns[connectionID]
	s.mu.RUnlock()

	if !ok {
		return errors.Wrap(errors.ErrNotFound, "no connection registered",
			map[string]interface{}{"connection_id": connectionID})
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()

	if err := wc.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return errors.Wrap(err, "failed to set write deadline")
	}
	if err := wc.conn.WriteJSON(msg); err != nil {
		return errors.Wrap(err, "websocket write failed",
			map[string]interface{}{"connection_id": connectionID, "kind": msg.Kind})
	}
	return nil
}

// ChannelSender is a MessageSender that pushes messages onto a channel,
// used in tests and local tooling
type ChannelSender struct {
	Messages chan *OutboundMessage
}

// NewChannelSender creates a channel-backed sender with the given buffer
func NewChannelSender(buffer int) *ChannelSender {
	return &ChannelSender{Messages: make(chan *OutboundMessage, buffer)}
}

// Send pushes the message onto the channel, dropping if the buffer is full
func (s *ChannelSender) Send(connectionID string, msg *OutboundMessage) error {
	select {
	case s.Messages <- msg:
		return nil
	default:
		return errors.ErrResourceExhausted
	}
}
