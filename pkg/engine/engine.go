package engine

import (
	"context"
)

// TranscriptionResult is the output of a speech-to-text engine call
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// IntentResult is the output of an intent recognition call
type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// GenerationResult is the output of a response generation call
type GenerationResult struct {
	Text            string  `json:"text"`
	ShouldTerminate bool    `json:"should_terminate"`
	Strategy        string  `json:"strategy,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// ConversationState carries the caller-facing context engines may condition on
type ConversationState struct {
	UserID         string   `json:"user_id"`
	TurnCount      int      `json:"turn_count"`
	LastIntent     string   `json:"last_intent,omitempty"`
	EmotionalState string   `json:"emotional_state,omitempty"`
	Persistence    float64  `json:"persistence"`
	Recent         []string `json:"recent,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	SpamCategory   string   `json:"spam_category,omitempty"`
}

// Transcriber converts audio payloads to text
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte) (*TranscriptionResult, error)
}

// IntentRecognizer classifies caller intent from transcript text
type IntentRecognizer interface {
	Name() string
	RecognizeIntent(ctx context.Context, text string, state *ConversationState) (*IntentResult, error)
}

// ResponseGenerator produces the screening response for one turn
type ResponseGenerator interface {
	Name() string
	Generate(ctx context.Context, text, intent string, state *ConversationState) (*GenerationResult, error)
}

// Synthesizer converts response text to audio
type Synthesizer interface {
	Name() string
	VoiceProfile() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Engines bundles the four downstream collaborators the pipeline calls
type Engines struct {
	Transcriber Transcriber
	Intent      IntentRecognizer
	Generator   ResponseGenerator
	Synthesizer Synthesizer
}
