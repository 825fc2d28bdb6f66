package transport

import (
	"time"
)

// MessageKind enumerates outbound message types sent to the client
type MessageKind string

const (
	KindTranscript       MessageKind = "transcript"
	KindAIResponse       MessageKind = "ai_response"
	KindAudioResponse    MessageKind = "audio_response"
	KindConnectionStatus MessageKind = "connection_status"
	KindError            MessageKind = "error"
)

// AudioChunk is one inbound audio frame from the streaming transport
type AudioChunk struct {
	SessionID      string    `json:"session_id"`
	CallID         string    `json:"call_id"`
	SequenceNumber uint64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        []byte    `json:"payload"`
}

// OutboundMessage is one message delivered back over a session's connection
type OutboundMessage struct {
	Kind      MessageKind `json:"kind"`
	SessionID string      `json:"session_id"`
	Sequence  uint64      `json:"sequence,omitempty"`
	Text      string      `json:"text,omitempty"`
	Audio     []byte      `json:"audio,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageSender delivers outbound messages over a session's connection.
// Implementations must be safe for concurrent use across sessions.
type MessageSender interface {
	Send(connectionID string, msg *OutboundMessage) error
}
