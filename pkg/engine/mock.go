package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MockTranscriber implements a deterministic transcriber for testing and
// local development. It treats the audio payload as UTF-8 text.
type MockTranscriber struct {
	logger *logrus.Logger

	// Delay simulates engine latency
	Delay time.Duration
}

// NewMockTranscriber creates a new mock transcriber
func NewMockTranscriber(logger *logrus.Logger) *MockTranscriber {
	return &MockTranscriber{logger: logger}
}

// Name returns the engine name
func (t *MockTranscriber) Name() string {
	return "mock-stt"
}

// Transcribe interprets the payload bytes as the spoken text
func (t *MockTranscriber) Transcribe(ctx context.Context, audio []byte) (*TranscriptionResult, error) {
	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	text := strings.TrimSpace(string(audio))
	confidence := 0.95
	if text == "" {
		confidence = 0.0
	}

	return &TranscriptionResult{
		Text:       text,
		Confidence: confidence,
		Language:   "en-US",
	}, nil
}

// MockIntentRecognizer classifies intent with simple keyword rules
type MockIntentRecognizer struct {
	logger *logrus.Logger
	Delay  time.Duration
}

// NewMockIntentRecognizer creates a new mock intent recognizer
func NewMockIntentRecognizer(logger *logrus.Logger) *MockIntentRecognizer {
	return &MockIntentRecognizer{logger: logger}
}

// Name returns the engine name
func (r *MockIntentRecognizer) Name() string {
	return "mock-intent"
}

// RecognizeIntent maps keywords to a small intent taxonomy
func (r *MockIntentRecognizer) RecognizeIntent(ctx context.Context, text string, state *ConversationState) (*IntentResult, error) {
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "not interested"), strings.Contains(lower, "no thanks"):
		return &IntentResult{Intent: "decline", Confidence: 0.92}, nil
	case strings.Contains(lower, "warranty"), strings.Contains(lower, "offer"), strings.Contains(lower, "deal"):
		return &IntentResult{Intent: "sales_pitch", Confidence: 0.88}, nil
	case strings.Contains(lower, "who is this"), strings.Contains(lower, "who am i"):
		return &IntentResult{Intent: "identity_question", Confidence: 0.85}, nil
	case strings.Contains(lower, "goodbye"), strings.Contains(lower, "bye"):
		return &IntentResult{Intent: "farewell", Confidence: 0.9}, nil
	default:
		return &IntentResult{Intent: "unknown", Confidence: 0.5}, nil
	}
}

// MockResponseGenerator produces canned screening responses per intent
type MockResponseGenerator struct {
	logger *logrus.Logger
	Delay  time.Duration
}

// NewMockResponseGenerator creates a new mock response generator
func NewMockResponseGenerator(logger *logrus.Logger) *MockResponseGenerator {
	return &MockResponseGenerator{logger: logger}
}

// Name returns the engine name
func (g *MockResponseGenerator) Name() string {
	return "mock-generator"
}

// Generate returns a screening response; farewells terminate the call
func (g *MockResponseGenerator) Generate(ctx context.Context, text, intent string, state *ConversationState) (*GenerationResult, error) {
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch intent {
	case "decline", "sales_pitch":
		return &GenerationResult{
			Text:       "Please remove me from your list.",
			Strategy:   "firm_decline",
			Confidence: 0.9,
		}, nil
	case "identity_question":
		return &GenerationResult{
			Text:       "I'm answering on behalf of the person you called. What is this regarding?",
			Strategy:   "probe",
			Confidence: 0.85,
		}, nil
	case "farewell":
		return &GenerationResult{
			Text:            "Goodbye.",
			ShouldTerminate: true,
			Strategy:        "close",
			Confidence:      0.95,
		}, nil
	default:
		return &GenerationResult{
			Text:       "Could you tell me what this call is about?",
			Strategy:   "probe",
			Confidence: 0.6,
		}, nil
	}
}

// MockSynthesizer produces a synthetic audio payload derived from the text
type MockSynthesizer struct {
	logger *logrus.Logger
	Delay  time.Duration

	voiceProfile string
}

// NewMockSynthesizer creates a new mock synthesizer
func NewMockSynthesizer(logger *logrus.Logger) *MockSynthesizer {
	return &MockSynthesizer{logger: logger, voiceProfile: "neutral-1"}
}

// Name returns the engine name
func (s *MockSynthesizer) Name() string {
	return "mock-tts"
}

// VoiceProfile returns the active synthesis voice
func (s *MockSynthesizer) VoiceProfile() string {
	return s.voiceProfile
}

// Synthesize returns a stand-in payload tagged with the voice profile
func (s *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return []byte(fmt.Sprintf("tts[%s]:%s", s.voiceProfile, text)), nil
}
