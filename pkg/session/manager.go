package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/cache"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/quality"
)

// ManagerConfig holds session manager configuration
type ManagerConfig struct {
	MaxTurns         int
	SessionTimeout   time.Duration
	SweepInterval    time.Duration
	SummaryTTL       time.Duration
	TranscriptWindow int
	StageWindow      int
}

// DefaultManagerConfig returns the standard lifecycle defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxTurns:         10,
		SessionTimeout:   5 * time.Minute,
		SweepInterval:    60 * time.Second,
		SummaryTTL:       24 * time.Hour,
		TranscriptWindow: 10,
		StageWindow:      50,
	}
}

// Manager owns the lifecycle of all live conversation sessions
type Manager struct {
	logger   *logrus.Entry
	config   ManagerConfig
	cache    *cache.TieredCache
	monitor  *quality.Monitor
	archiver Archiver

	mu       sync.RWMutex
	sessions map[string]*Session

	sweepTicker *time.Ticker
	stopOnce    sync.Once
	stopChan    chan struct{}
}

// NewManager creates a session manager and starts its idle sweep loop.
// The archiver may be nil, in which case archive records are only logged.
func NewManager(config ManagerConfig, tiered *cache.TieredCache, monitor *quality.Monitor, archiver Archiver, logger *logrus.Logger) *Manager {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 60 * time.Second
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 10
	}
	if config.StageWindow <= 0 {
		config.StageWindow = 50
	}
	if config.TranscriptWindow <= 0 {
		config.TranscriptWindow = 10
	}

	m := &Manager{
		logger:   logger.WithField("component", "session_manager"),
		config:   config,
		cache:    tiered,
		monitor:  monitor,
		archiver: archiver,
		sessions: make(map[string]*Session),
		stopChan: make(chan struct{}),
	}

	m.sweepTicker = time.NewTicker(config.SweepInterval)
	go m.sweepLoop()

	m.logger.WithFields(logrus.Fields{
		"max_turns":       config.MaxTurns,
		"session_timeout": config.SessionTimeout,
		"sweep_interval":  config.SweepInterval,
	}).Info("Session manager initialized")

	return m
}

// CreateSession creates a new session for a call. The conversation context
// is hydrated asynchronously from the cached user profile and prior summary;
// absence of either is not an error.
func (m *Manager) CreateSession(sessionID, callID, userID, connectionID string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           sessionID,
		CallID:       callID,
		UserID:       userID,
		ConnectionID: connectionID,
		StartTime:    now,
		lastActivity: now,
		status:       StatusActive,
		stageWindow:  m.config.StageWindow,
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.ErrSessionAlreadyExists, "duplicate session",
			map[string]interface{}{"session_id": sessionID})
	}
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if metrics.Enabled() {
		metrics.SessionsCreated.Inc()
		metrics.SessionsActive.Inc()
	}

	go m.hydrateContext(sess)

	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"call_id":    callID,
		"user_id":    userID,
	}).Info("Session created")

	return sess, nil
}

// GetSession retrieves a live session
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, exists := m.sessions[sessionID]
	m.mu.RUnlock()

	if !exists {
		return nil, errors.Wrap(errors.ErrSessionNotFound, "session lookup failed",
			map[string]interface{}{"session_id": sessionID})
	}
	return sess, nil
}

// Touch marks chunk acceptance: it updates lastActivity exactly once per
// accepted chunk, before any pipeline stage runs, and counts the chunk.
func (m *Manager) Touch(sessionID string) (*Session, error) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.status == StatusEnded {
		return nil, errors.Wrap(errors.ErrSessionEnded, "chunk rejected",
			map[string]interface{}{"session_id": sessionID})
	}

	sess.lastActivity = time.Now()
	sess.stats.TotalAudioChunks++
	return sess, nil
}

// AttachProfile installs a fetched user profile on a live session's context.
// A profile already attached, by hydration or an earlier chunk, wins.
func (m *Manager) AttachProfile(sessionID string, profile *UserProfile) {
	if profile == nil {
		return
	}
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	if sess.status != StatusEnded && sess.context.Profile == nil {
		sess.context.Profile = profile
	}
	sess.mu.Unlock()
}

// Pause suspends processing for a session
func (m *Manager) Pause(sessionID string) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusEnded {
		return errors.ErrSessionEnded
	}
	sess.status = StatusPaused
	return nil
}

// Resume reactivates a paused session
func (m *Manager) Resume(sessionID string) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.status == StatusEnded {
		return errors.ErrSessionEnded
	}
	sess.status = StatusActive
	sess.lastActivity = time.Now()
	return nil
}

// RecordStats folds one chunk's stage trace into the session statistics.
// The latency EMA uses new = old*0.8 + sample*0.2, seeded with the first
// sample.
func (m *Manager) RecordStats(sessionID string, stages []StageRecord, success bool) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return
	}

	var sample time.Duration
	if len(stages) > 0 {
		sample = stages[len(stages)-1].EndedAt.Sub(stages[0].StartedAt)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if success {
		sess.stats.ProcessedChunks++
	} else {
		sess.stats.ErrorCount++
	}

	if sample > 0 {
		if sess.stats.AvgLatency == 0 {
			sess.stats.AvgLatency = sample
		} else {
			sess.stats.AvgLatency = time.Duration(float64(sess.stats.AvgLatency)*0.8 + float64(sample)*0.2)
		}
		sess.stats.LastProcessingTime = sample
	}

	sess.recentStages = append(sess.recentStages, stages...)
	if len(sess.recentStages) > sess.stageWindow {
		sess.recentStages = sess.recentStages[len(sess.recentStages)-sess.stageWindow:]
	}
}

// RecordSkipped folds the stage trace of a chunk that stopped early (no
// speech, low confidence) into the diagnostics window without counting it
// as processed
func (m *Manager) RecordSkipped(sessionID string, stages []StageRecord) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.recentStages = append(sess.recentStages, stages...)
	if len(sess.recentStages) > sess.stageWindow {
		sess.recentStages = sess.recentStages[len(sess.recentStages)-sess.stageWindow:]
	}
}

// RecordTranscript appends a transcript to the bounded context ring and
// counts the transcribed chunk
func (m *Manager) RecordTranscript(sessionID, transcript string) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.stats.TranscribedChunks++
	sess.context.RecentTranscripts = append(sess.context.RecentTranscripts, transcript)
	if len(sess.context.RecentTranscripts) > m.config.TranscriptWindow {
		sess.context.RecentTranscripts = sess.context.RecentTranscripts[1:]
	}
}

// CompleteTurn records one completed response turn and returns the new turn
// count alongside whether the configured cap has been reached
func (m *Manager) CompleteTurn(sessionID, intent string) (int, bool) {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return 0, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.stats.ResponseCount++
	sess.context.TurnCount++
	sess.context.LastIntent = intent

	// Repeated pitching after a decline raises the persistence score
	if intent == "sales_pitch" && sess.context.TurnCount > 1 {
		sess.context.PersistenceScore += 0.2
		if sess.context.PersistenceScore > 1 {
			sess.context.PersistenceScore = 1
		}
	}

	return sess.context.TurnCount, sess.context.TurnCount >= m.config.MaxTurns
}

// EndSession transitions a session to ended, persists its summary with a
// bounded TTL, emits an archival record, and removes it from live memory
func (m *Manager) EndSession(sessionID, reason string) (*Summary, error) {
	m.mu.Lock()
	sess, exists := m.sessions[sessionID]
	if exists {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return nil, errors.Wrap(errors.ErrSessionNotFound, "end session failed",
			map[string]interface{}{"session_id": sessionID})
	}

	now := time.Now()

	sess.mu.Lock()
	sess.status = StatusEnded
	stats := sess.stats
	turnCount := sess.context.TurnCount
	lastIntent := sess.context.LastIntent
	sess.mu.Unlock()

	summary := &Summary{
		SessionID:  sess.ID,
		CallID:     sess.CallID,
		UserID:     sess.UserID,
		Reason:     reason,
		StartTime:  sess.StartTime,
		EndTime:    now,
		Duration:   now.Sub(sess.StartTime),
		Text:       m.summarize(sess, stats, turnCount, lastIntent, reason),
		FinalStats: stats,
	}

	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.cache.SetWithTTL(ctx, cache.NamespaceProfile, summaryKey(sess.UserID), []byte(summary.Text), m.config.SummaryTTL)
		cancel()
	}

	record := &ArchiveRecord{
		RecordID:   uuid.NewString(),
		SessionID:  sess.ID,
		CallID:     sess.CallID,
		UserID:     sess.UserID,
		Reason:     reason,
		StartTime:  sess.StartTime,
		EndTime:    now,
		Duration:   summary.Duration,
		Summary:    summary.Text,
		FinalStats: stats,
	}

	if m.archiver != nil {
		if err := m.archiver.Archive(record); err != nil {
			m.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to archive session record")
		}
	}

	if m.monitor != nil {
		m.monitor.Forget(sess.CallID)
	}

	if metrics.Enabled() {
		metrics.SessionsActive.Dec()
		metrics.SessionsEnded.WithLabelValues(reason).Inc()
		metrics.SessionDuration.Observe(summary.Duration.Seconds())
		metrics.SessionTurnCount.Observe(float64(turnCount))
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"call_id":    sess.CallID,
		"reason":     reason,
		"duration":   summary.Duration,
		"turns":      turnCount,
	}).Info("Session ended")

	return summary, nil
}

// ActiveCount returns the number of live sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveSessions returns a snapshot of live sessions
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// MaxTurns exposes the configured turn cap
func (m *Manager) MaxTurns() int {
	return m.config.MaxTurns
}

// Shutdown stops the sweep loop and ends every live session
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.sweepTicker.Stop()
	})

	for _, sess := range m.ActiveSessions() {
		if _, err := m.EndSession(sess.ID, ReasonShutdown); err != nil {
			m.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to end session during shutdown")
		}
	}

	m.logger.Info("Session manager shutdown complete")
}

// SweepIdle ends every session idle for longer than the session timeout.
// Returns how many sessions were expired.
func (m *Manager) SweepIdle() int {
	threshold := time.Now().Add(-m.config.SessionTimeout)

	var expired []string
	m.mu.RLock()
	for id, sess := range m.sessions {
		if sess.LastActivity().Before(threshold) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if _, err := m.EndSession(id, ReasonTimeout); err != nil {
			m.logger.WithError(err).WithField("session_id", id).Warn("Failed to expire idle session")
		}
	}

	if len(expired) > 0 {
		m.logger.WithField("count", len(expired)).Info("Expired idle sessions")
	}
	return len(expired)
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.sweepTicker.C:
			m.SweepIdle()
		case <-m.stopChan:
			return
		}
	}
}

// hydrateContext loads the cached user profile and prior conversation
// summary into a freshly created session, best-effort
func (m *Manager) hydrateContext(sess *Session) {
	if m.cache == nil || sess.UserID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var profile UserProfile
	if m.cache.GetJSON(ctx, cache.NamespaceProfile, cache.ProfileKey(sess.UserID), &profile) {
		sess.mu.Lock()
		if sess.status != StatusEnded && sess.context.Profile == nil {
			sess.context.Profile = &profile
		}
		sess.mu.Unlock()
	}

	if payload, ok := m.cache.Get(ctx, cache.NamespaceProfile, summaryKey(sess.UserID)); ok {
		sess.mu.Lock()
		if sess.status != StatusEnded && sess.context.Summary == "" {
			sess.context.Summary = string(payload)
		}
		sess.mu.Unlock()
	}
}

func (m *Manager) summarize(sess *Session, stats ProcessingStats, turnCount int, lastIntent, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call %s screened over %d turns", sess.CallID, turnCount)
	if lastIntent != "" {
		fmt.Fprintf(&b, ", last intent %q", lastIntent)
	}
	fmt.Fprintf(&b, "; %d/%d chunks processed, %d errors; ended: %s",
		stats.ProcessedChunks, stats.TotalAudioChunks, stats.ErrorCount, reason)
	return b.String()
}

func summaryKey(userID string) string {
	return userID + ":summary"
}
