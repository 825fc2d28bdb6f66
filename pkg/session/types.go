package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a conversation session
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

// End reasons recorded on session termination
const (
	ReasonClientEnd   = "client_end"
	ReasonTimeout     = "timeout"
	ReasonMaxTurns    = "max_turns"
	ReasonAITerminate = "ai_terminated"
	ReasonShutdown    = "shutdown"
)

// ProcessingStats tracks per-session chunk processing statistics. Mutated
// only by the owning session's serialized processing path.
type ProcessingStats struct {
	TotalAudioChunks   int64         `json:"total_audio_chunks"`
	ProcessedChunks    int64         `json:"processed_chunks"`
	TranscribedChunks  int64         `json:"transcribed_chunks"`
	ResponseCount      int64         `json:"response_count"`
	ErrorCount         int64         `json:"error_count"`
	AvgLatency         time.Duration `json:"avg_latency"`
	LastProcessingTime time.Duration `json:"last_processing_time"`
}

// UserProfile is the cached profile snapshot attached to a conversation
type UserProfile struct {
	UserID            string    `json:"user_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	PreferredVoice    string    `json:"preferred_voice,omitempty"`
	Language          string    `json:"language,omitempty"`
	BlockedCategories []string  `json:"blocked_categories,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConversationContext carries the evolving conversational state of a session
type ConversationContext struct {
	TurnCount         int          `json:"turn_count"`
	LastIntent        string       `json:"last_intent,omitempty"`
	EmotionalState    string       `json:"emotional_state,omitempty"`
	PersistenceScore  float64      `json:"persistence_score"`
	RecentTranscripts []string     `json:"recent_transcripts,omitempty"`
	Summary           string       `json:"summary,omitempty"`
	Profile           *UserProfile `json:"profile,omitempty"`
	SpamCategory      string       `json:"spam_category,omitempty"`
}

// StageRecord is one row of a chunk's stage execution trace
type StageRecord struct {
	Stage     string        `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	CacheHit  bool          `json:"cache_hit"`
	Optimized bool          `json:"optimized"`
	Error     string        `json:"error,omitempty"`
}

// Session is one active conversation, owned exclusively by the Manager
type Session struct {
	ID           string    `json:"id"`
	CallID       string    `json:"call_id"`
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	StartTime    time.Time `json:"start_time"`

	mu           sync.RWMutex
	lastActivity time.Time
	status       Status
	stats        ProcessingStats
	context      ConversationContext
	recentStages []StageRecord
	stageWindow  int
}

// Status returns the session's current lifecycle state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastActivity returns the time of the last accepted chunk or control message
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Stats returns a copy of the session's processing statistics
func (s *Session) Stats() ProcessingStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Context returns a copy of the session's conversation context
func (s *Session) Context() ConversationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := s.context
	ctx.RecentTranscripts = append([]string(nil), s.context.RecentTranscripts...)
	if s.context.Profile != nil {
		profile := *s.context.Profile
		ctx.Profile = &profile
	}
	return ctx
}

// RecentStages returns a copy of the trailing stage-record window
func (s *Session) RecentStages() []StageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StageRecord(nil), s.recentStages...)
}

// Summary is the result of ending a session
type Summary struct {
	SessionID  string          `json:"session_id"`
	CallID     string          `json:"call_id"`
	UserID     string          `json:"user_id"`
	Reason     string          `json:"reason"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Text       string          `json:"text"`
	FinalStats ProcessingStats `json:"final_stats"`
}

// ArchiveRecord is emitted to the storage collaborator when a session ends
type ArchiveRecord struct {
	RecordID   string          `json:"record_id"`
	SessionID  string          `json:"session_id"`
	CallID     string          `json:"call_id"`
	UserID     string          `json:"user_id"`
	Reason     string          `json:"reason"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time"`
	Duration   time.Duration   `json:"duration"`
	Summary    string          `json:"summary"`
	FinalStats ProcessingStats `json:"final_stats"`
}

// Archiver receives end-of-session archival records
type Archiver interface {
	Archive(record *ArchiveRecord) error
}
