package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/audio"
	"callguard-server/pkg/cache"
	"callguard-server/pkg/engine"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/optimizer"
	"callguard-server/pkg/session"
	"callguard-server/pkg/transport"
)

// cachedResult is the end-to-end artifact stored for whole-chunk cache hits
type cachedResult struct {
	Transcript      string `json:"transcript"`
	Intent          string `json:"intent"`
	ResponseText    string `json:"response_text"`
	Audio           []byte `json:"audio"`
	ShouldTerminate bool   `json:"should_terminate"`
}

// chunkOutcome classifies how one chunk's processing finished
type chunkOutcome string

const (
	outcomeSuccess       chunkOutcome = "success"
	outcomeCached        chunkOutcome = "cached"
	outcomeNoSpeech      chunkOutcome = "no_speech"
	outcomeLowConfidence chunkOutcome = "low_confidence"
	outcomeError         chunkOutcome = "error"
)

// trace accumulates stage records for one chunk
type trace struct {
	profile *optimizer.Profile
	records []session.StageRecord
}

// run times fn against the stage's profile target. A stage exceeding its
// target is recorded, not cancelled; the engine call completes.
func (t *trace) run(stage string, fn func() (cacheHit bool, err error)) error {
	started := time.Now()
	cacheHit, err := fn()
	ended := time.Now()
	latency := ended.Sub(started)

	timedOut := latency > t.profile.TargetFor(stage)
	record := session.StageRecord{
		Stage:     stage,
		StartedAt: started,
		EndedAt:   ended,
		Latency:   latency,
		Success:   err == nil,
		CacheHit:  cacheHit,
		Optimized: cacheHit || t.profile.Parallelization == optimizer.ParallelOverlap,
	}
	if err != nil {
		record.Error = err.Error()
	}
	t.records = append(t.records, record)

	metrics.ObserveStage(stage, latency, timedOut, err != nil)

	if err != nil {
		return errors.Wrap(err, "stage failed", map[string]interface{}{"stage": stage})
	}
	return nil
}

// prefetchResult carries the fire-and-forget response prefetch output
type prefetchResult struct {
	done      chan struct{}
	mu        sync.Mutex
	responses map[string]*engine.GenerationResult
}

// get returns the prefetched response for an intent if the prefetch resolved
// within wait; a slow or failed prefetch degrades to "not available"
func (p *prefetchResult) get(intent string, wait time.Duration) *engine.GenerationResult {
	select {
	case <-p.done:
	case <-time.After(wait):
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responses[intent]
}

// processChunk drives one chunk through the stage sequence. All stage
// failures are caught here: the error is recorded, the client notified, and
// the session stays alive.
func (o *Orchestrator) processChunk(chunk *transport.AudioChunk) {
	sess, err := o.sessions.Touch(chunk.SessionID)
	if err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": chunk.SessionID,
			"sequence":   chunk.SequenceNumber,
		}).Debug("Chunk rejected")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.config.ChunkDeadline)
	defer cancel()

	profile := o.controller.Active()
	tr := &trace{profile: profile}
	started := time.Now()

	outcome, terminate, reason := o.runStages(ctx, sess, chunk, profile, tr)
	total := time.Since(started)

	switch outcome {
	case outcomeNoSpeech, outcomeLowConfidence:
		o.sessions.RecordSkipped(sess.ID, tr.records)
	case outcomeError:
		o.sessions.RecordStats(sess.ID, tr.records, false)
	default:
		o.sessions.RecordStats(sess.ID, tr.records, true)
		o.controller.RecordLatency(total)
	}

	if metrics.Enabled() {
		metrics.ChunksProcessed.WithLabelValues(string(outcome)).Inc()
		metrics.PipelineTotalTime.Observe(total.Seconds())
	}

	if terminate {
		o.notifyStatus(sess, "ended")
		if _, err := o.EndSession(sess.ID, reason); err != nil {
			o.logger.WithError(err).WithField("session_id", sess.ID).Warn("Pipeline-driven termination failed")
		}
	}
}

// runStages executes the ordered stage sequence for one chunk and returns
// the outcome plus any termination decision
func (o *Orchestrator) runStages(ctx context.Context, sess *session.Session, chunk *transport.AudioChunk, profile *optimizer.Profile, tr *trace) (chunkOutcome, bool, string) {
	convContext := sess.Context()
	state := conversationState(sess, &convContext)

	// Stage 1: preprocessing. No speech stops here; the chunk is counted
	// but not an error.
	var pre *audio.PreprocessResult
	if err := tr.run(StagePreprocessing, func() (bool, error) {
		pre = o.preprocessor(sess.ID).Process(chunk.Payload)
		return false, nil
	}); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	if !pre.SpeechDetected {
		return outcomeNoSpeech, false, ""
	}

	// Stage 2: the cache probe, user-profile fetch and intent prediction are
	// issued concurrently; each resolves individually and failures within
	// the trio are discarded rather than aborting the chunk.
	resultKey := "result:" + cache.ResultKey(pre.Audio, sess.UserID, convContext.LastIntent)

	var (
		wg          sync.WaitGroup
		probeHit    *cachedResult
		userProfile *session.UserProfile
		likely      []string
	)

	probeStart := time.Now()
	wg.Add(3)
	go func() {
		defer wg.Done()
		var cached cachedResult
		if o.tiered.GetJSON(ctx, cache.NamespaceResponse, resultKey, &cached) {
			probeHit = &cached
		}
	}()
	go func() {
		defer wg.Done()
		if state.UserID == "" || convContext.Profile != nil {
			return
		}
		var profile session.UserProfile
		if o.tiered.GetJSON(ctx, cache.NamespaceProfile, cache.ProfileKey(state.UserID), &profile) {
			userProfile = &profile
		}
	}()
	go func() {
		defer wg.Done()
		likely = o.controller.LikelyIntents(o.config.PrefetchTopN)
	}()
	wg.Wait()

	// A fetched profile sticks to the session so later chunks skip the
	// fetch, and feeds this chunk's language selection below
	if userProfile != nil {
		o.sessions.AttachProfile(sess.ID, userProfile)
		convContext.Profile = userProfile
	}

	tr.records = append(tr.records, session.StageRecord{
		Stage:     StageCacheProbe,
		StartedAt: probeStart,
		EndedAt:   time.Now(),
		Latency:   time.Since(probeStart),
		Success:   true,
		CacheHit:  probeHit != nil,
		Optimized: true,
	})

	// A probe hit short-circuits every remaining processing stage.
	if probeHit != nil {
		if err := o.deliver(tr, sess, chunk, probeHit.Transcript, probeHit.ResponseText, probeHit.Audio); err != nil {
			return o.failChunk(sess, chunk, err), false, ""
		}
		o.sessions.RecordTranscript(sess.ID, probeHit.Transcript)
		_, capped := o.sessions.CompleteTurn(sess.ID, probeHit.Intent)
		if probeHit.ShouldTerminate {
			return outcomeCached, true, session.ReasonAITerminate
		}
		if capped {
			return outcomeCached, true, session.ReasonMaxTurns
		}
		return outcomeCached, false, ""
	}

	// Stage 3: speech-to-text, checked against the transcription cache first
	language := "en-US"
	if convContext.Profile != nil && convContext.Profile.Language != "" {
		language = convContext.Profile.Language
	}

	var transcript *engine.TranscriptionResult
	if err := tr.run(StageSpeechToText, func() (bool, error) {
		key := cache.TranscriptionKey(audio.Fingerprint(pre.Audio), language)
		var cached engine.TranscriptionResult
		if o.tiered.GetJSON(ctx, cache.NamespaceTranscription, key, &cached) {
			transcript = &cached
			return true, nil
		}

		result, err := o.engines.Transcriber.Transcribe(ctx, pre.Audio)
		if err != nil {
			return false, err
		}
		transcript = result
		o.tiered.SetJSON(ctx, cache.NamespaceTranscription, key, result)
		return false, nil
	}); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	// An empty or low-confidence transcript stops the chunk; downstream
	// stages never run and this is not an error.
	if transcript.Text == "" || transcript.Confidence < o.config.MinTranscriptConfidence {
		return outcomeLowConfidence, false, ""
	}

	o.sessions.RecordTranscript(sess.ID, transcript.Text)
	state.Recent = append(state.Recent, transcript.Text)

	// Stage 4: intent recognition, concurrent with a fire-and-forget
	// prefetch of the most probable responses
	var prefetch *prefetchResult
	if profile.PrefetchEnabled && len(likely) > 0 {
		prefetch = o.startPrefetch(ctx, likely, state)
	}

	var intent *engine.IntentResult
	if err := tr.run(StageIntent, func() (bool, error) {
		key := cache.IntentKey(transcript.Text, state.UserID)
		var cached engine.IntentResult
		if o.tiered.GetJSON(ctx, cache.NamespaceIntent, key, &cached) {
			intent = &cached
			return true, nil
		}

		result, err := o.engines.Intent.RecognizeIntent(ctx, transcript.Text, state)
		if err != nil {
			return false, err
		}
		intent = result
		o.tiered.SetJSON(ctx, cache.NamespaceIntent, key, result)
		return false, nil
	}); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	o.controller.RecordIntent(intent.Intent)

	// Stage 5: response generation; an exact-match prefetch hit skips
	// generation entirely
	contextFP := audio.TextFingerprint(convContext.LastIntent, convContext.EmotionalState,
		strconv.Itoa(convContext.TurnCount))

	var response *engine.GenerationResult
	if err := tr.run(StageGeneration, func() (bool, error) {
		if prefetch != nil {
			if hit := prefetch.get(intent.Intent, o.config.PrefetchWait); hit != nil {
				response = hit
				if metrics.Enabled() {
					metrics.PrefetchHits.Inc()
				}
				return true, nil
			}
		}

		userKey := cache.ResponseKey(intent.Intent, state.UserID, contextFP)
		var cached engine.GenerationResult
		if o.tiered.GetJSON(ctx, cache.NamespaceResponse, userKey, &cached) {
			response = &cached
			return true, nil
		}
		if profile.CacheAggressiveness == optimizer.CacheAggressive {
			if o.tiered.GetJSON(ctx, cache.NamespaceResponse, genericResponseKey(intent.Intent), &cached) {
				response = &cached
				return true, nil
			}
		}

		result, err := o.engines.Generator.Generate(ctx, transcript.Text, intent.Intent, state)
		if err != nil {
			return false, err
		}
		response = result
		o.tiered.SetJSON(ctx, cache.NamespaceResponse, userKey, result)
		return false, nil
	}); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	// Stage 6: speech synthesis, checked against the TTS cache first
	var responseAudio []byte
	if err := tr.run(StageSynthesis, func() (bool, error) {
		key := cache.AudioKey(response.Text, o.engines.Synthesizer.VoiceProfile())
		if payload, ok := o.tiered.Get(ctx, cache.NamespaceAudio, key); ok {
			responseAudio = payload
			return true, nil
		}

		payload, err := o.engines.Synthesizer.Synthesize(ctx, response.Text)
		if err != nil {
			return false, err
		}
		responseAudio = payload
		o.tiered.Set(ctx, cache.NamespaceAudio, key, payload)
		return false, nil
	}); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	// Stage 7: delivery — transcript, response text, audio, in that order
	if err := o.deliver(tr, sess, chunk, transcript.Text, response.Text, responseAudio); err != nil {
		return o.failChunk(sess, chunk, err), false, ""
	}

	// Populate the end-to-end result cache for identical future chunks
	if profile.CacheAggressiveness != optimizer.CacheConservative {
		o.tiered.SetJSON(ctx, cache.NamespaceResponse, resultKey, &cachedResult{
			Transcript:      transcript.Text,
			Intent:          intent.Intent,
			ResponseText:    response.Text,
			Audio:           responseAudio,
			ShouldTerminate: response.ShouldTerminate,
		})
	}

	_, capped := o.sessions.CompleteTurn(sess.ID, intent.Intent)
	if response.ShouldTerminate {
		return outcomeSuccess, true, session.ReasonAITerminate
	}
	if capped {
		return outcomeSuccess, true, session.ReasonMaxTurns
	}
	return outcomeSuccess, false, ""
}

// startPrefetch speculatively generates responses for the likely intents.
// Fire-and-forget: the chunk never waits beyond PrefetchWait, and a failing
// prefetch simply yields no entries.
func (o *Orchestrator) startPrefetch(ctx context.Context, intents []string, state *engine.ConversationState) *prefetchResult {
	pf := &prefetchResult{
		done:      make(chan struct{}),
		responses: make(map[string]*engine.GenerationResult, len(intents)),
	}

	if metrics.Enabled() {
		metrics.PrefetchDispatched.Inc()
	}

	go func() {
		defer close(pf.done)
		for _, intent := range intents {
			result, err := o.engines.Generator.Generate(ctx, "", intent, state)
			if err != nil {
				continue
			}
			pf.mu.Lock()
			pf.responses[intent] = result
			pf.mu.Unlock()
		}
	}()

	return pf
}

// deliver sends the three outbound messages for one chunk in fixed order
func (o *Orchestrator) deliver(tr *trace, sess *session.Session, chunk *transport.AudioChunk, transcript, responseText string, responseAudio []byte) error {
	return tr.run(StageDelivery, func() (bool, error) {
		now := time.Now()
		messages := []*transport.OutboundMessage{
			{Kind: transport.KindTranscript, SessionID: sess.ID, Sequence: chunk.SequenceNumber, Text: transcript, Timestamp: now},
			{Kind: transport.KindAIResponse, SessionID: sess.ID, Sequence: chunk.SequenceNumber, Text: responseText, Timestamp: now},
			{Kind: transport.KindAudioResponse, SessionID: sess.ID, Sequence: chunk.SequenceNumber, Audio: responseAudio, Timestamp: now},
		}
		for _, msg := range messages {
			if err := o.sender.Send(sess.ConnectionID, msg); err != nil {
				return false, err
			}
		}
		return false, nil
	})
}

// failChunk handles the chunk-boundary failure policy: notify the client and
// keep the session alive
func (o *Orchestrator) failChunk(sess *session.Session, chunk *transport.AudioChunk, err error) chunkOutcome {
	o.logger.WithError(err).WithFields(logrus.Fields{
		"session_id": sess.ID,
		"sequence":   chunk.SequenceNumber,
	}).Error("Chunk processing failed")

	notify := &transport.OutboundMessage{
		Kind:      transport.KindError,
		SessionID: sess.ID,
		Sequence:  chunk.SequenceNumber,
		Error:     "processing failed, please continue",
		Timestamp: time.Now(),
	}
	if sendErr := o.sender.Send(sess.ConnectionID, notify); sendErr != nil {
		o.logger.WithError(sendErr).WithField("session_id", sess.ID).Warn("Failed to notify client of processing error")
	}

	return outcomeError
}

// notifyStatus sends a connection_status message to the session's client
func (o *Orchestrator) notifyStatus(sess *session.Session, status string) {
	msg := &transport.OutboundMessage{
		Kind:      transport.KindConnectionStatus,
		SessionID: sess.ID,
		Text:      status,
		Timestamp: time.Now(),
	}
	if err := o.sender.Send(sess.ConnectionID, msg); err != nil {
		o.logger.WithError(err).WithField("session_id", sess.ID).Debug("Failed to send status message")
	}
}

// conversationState builds the engine-facing view of the session context
func conversationState(sess *session.Session, convContext *session.ConversationContext) *engine.ConversationState {
	return &engine.ConversationState{
		UserID:         sess.UserID,
		TurnCount:      convContext.TurnCount,
		LastIntent:     convContext.LastIntent,
		EmotionalState: convContext.EmotionalState,
		Persistence:    convContext.PersistenceScore,
		Recent:         convContext.RecentTranscripts,
		Summary:        convContext.Summary,
		SpamCategory:   convContext.SpamCategory,
	}
}
