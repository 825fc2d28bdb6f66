package transport

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/quality"
)

// Inbound envelope kinds accepted on the stream endpoint
const (
	inboundStart     = "start"
	inboundAudio     = "audio"
	inboundEnd       = "end"
	inboundHeartbeat = "heartbeat"
)

// inboundEnvelope is one client frame on the stream connection. Audio
// payloads ride as base64 in the JSON body.
type inboundEnvelope struct {
	Kind      string                      `json:"kind"`
	SessionID string                      `json:"session_id"`
	CallID    string                      `json:"call_id,omitempty"`
	UserID    string                      `json:"user_id,omitempty"`
	Sequence  uint64                      `json:"sequence,omitempty"`
	Payload   []byte                      `json:"payload,omitempty"`
	Quality   *quality.CallQualityMetrics `json:"quality,omitempty"`
}

// StreamHandler receives the decoded inbound stream events. The listener
// stays protocol-only; session and pipeline semantics live behind this
// interface.
type StreamHandler interface {
	StartSession(sessionID, callID, userID, connectionID string) error
	SubmitChunk(chunk *AudioChunk) error
	EndSession(sessionID, reason string)
	IngestQuality(sample *quality.CallQualityMetrics)
}

// Listener terminates inbound websocket stream connections: it upgrades the
// HTTP request, registers the connection with the sender for the outbound
// side, and pumps inbound envelopes to the handler until the peer goes away.
type Listener struct {
	logger      *logrus.Entry
	sender      *WebSocketSender
	handler     StreamHandler
	readTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewListener creates a stream listener
func NewListener(sender *WebSocketSender, handler StreamHandler, readTimeout time.Duration, logger *logrus.Logger) *Listener {
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}
	return &Listener{
		logger:      logger.WithField("component", "ws_listener"),
		sender:      sender,
		handler:     handler,
		readTimeout: readTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// HandleStream is the HTTP handler for the stream endpoint
func (l *Listener) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	connectionID := uuid.NewString()
	l.sender.Register(connectionID, conn)

	l.logger.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"remote":        r.RemoteAddr,
	}).Info("Stream connection established")

	go l.readLoop(conn, connectionID)
}

// readLoop pumps inbound envelopes until the connection drops. Sessions
// started on this connection are ended when it goes away.
func (l *Listener) readLoop(conn *websocket.Conn, connectionID string) {
	owned := make(map[string]struct{})

	defer func() {
		l.sender.Unregister(connectionID)
		for sessionID := range owned {
			l.handler.EndSession(sessionID, "client_end")
		}
		l.logger.WithField("connection_id", connectionID).Info("Stream connection closed")
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return
		}

		var env inboundEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.WithError(err).WithField("connection_id", connectionID).Debug("Stream read failed")
			}
			return
		}

		switch env.Kind {
		case inboundStart:
			if err := l.handler.StartSession(env.SessionID, env.CallID, env.UserID, connectionID); err != nil {
				l.notifyError(connectionID, env.SessionID, err.Error())
				continue
			}
			owned[env.SessionID] = struct{}{}
			l.notifyStatus(connectionID, env.SessionID, "started")

		case inboundAudio:
			chunk := &AudioChunk{
				SessionID:      env.SessionID,
				CallID:         env.CallID,
				SequenceNumber: env.Sequence,
				Timestamp:      time.Now(),
				Payload:        env.Payload,
			}
			if err := l.handler.SubmitChunk(chunk); err != nil {
				l.notifyError(connectionID, env.SessionID, err.Error())
			}

		case inboundEnd:
			l.handler.EndSession(env.SessionID, "client_end")
			delete(owned, env.SessionID)
			l.notifyStatus(connectionID, env.SessionID, "ended")

		case inboundHeartbeat:
			if env.Quality != nil {
				l.handler.IngestQuality(env.Quality)
			}

		default:
			l.logger.WithFields(logrus.Fields{
				"connection_id": connectionID,
				"kind":          env.Kind,
			}).Debug("Unknown inbound message kind")
		}
	}
}

func (l *Listener) notifyStatus(connectionID, sessionID, status string) {
	msg := &OutboundMessage{
		Kind:      KindConnectionStatus,
		SessionID: sessionID,
		Text:      status,
		Timestamp: time.Now(),
	}
	if err := l.sender.Send(connectionID, msg); err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Debug("Status notification failed")
	}
}

func (l *Listener) notifyError(connectionID, sessionID, message string) {
	msg := &OutboundMessage{
		Kind:      KindError,
		SessionID: sessionID,
		Error:     message,
		Timestamp: time.Now(),
	}
	if err := l.sender.Send(connectionID, msg); err != nil {
		l.logger.WithError(err).WithField("session_id", sessionID).Debug("Error notification failed")
	}
}
