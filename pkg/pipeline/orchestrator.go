package pipeline

import (
	"context"
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

// Stage names, in execution order
const (
	StagePreprocessing = "preprocessing"
	StageCacheProbe    = "cache_probe"
	StageSpeechToText  = "speech_to_text"
	StageIntent        = "intent_recognition"
	StageGeneration    = "response_generation"
	StageSynthesis     = "speech_synthesis"
	StageDelivery      = "delivery"
)

// Config holds pipeline orchestrator configuration
type Config struct {
	// MaxConcurrentChunks bounds cross-session parallelism
	MaxConcurrentChunks int

	// ChunkDeadline bounds one chunk's end-to-end processing
	ChunkDeadline time.Duration

	// QueueDepth is the per-session inbound queue capacity
	QueueDepth int

	// PrefetchTopN is how many probable responses the in-chunk prefetch computes
	PrefetchTopN int

	// PrefetchWait is how long the generation stage waits for an in-flight
	// prefetch before generating itself
	PrefetchWait time.Duration

	// MinTranscriptConfidence below which a chunk stops after STT
	MinTranscriptConfidence float64
}

// DefaultConfig returns standard orchestrator settings
func DefaultConfig() Config {
	return Config{
		MaxConcurrentChunks:     64,
		ChunkDeadline:           5 * time.Second,
		QueueDepth:              32,
		PrefetchTopN:            3,
		PrefetchWait:            25 * time.Millisecond,
		MinTranscriptConfidence: 0.4,
	}
}

// Orchestrator drives audio chunks through the processing stages. Chunks for
// one session are processed strictly in arrival order on a per-session queue;
// chunks of different sessions run in parallel, bounded by a global semaphore.
type Orchestrator struct {
	logger     *logrus.Entry
	config     Config
	sessions   *session.Manager
	tiered     *cache.TieredCache
	engines    engine.Engines
	sender     transport.MessageSender
	controller *optimizer.Controller

	sem chan struct{}

	mu            sync.Mutex
	queues        map[string]*sessionQueue
	preprocessors map[string]*audio.Preprocessor

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}
}

// sessionQueue serializes chunk processing for one session
type sessionQueue struct {
	chunks chan *transport.AudioChunk
	done   chan struct{}
}

// NewOrchestrator creates the pipeline orchestrator
func NewOrchestrator(config Config, sessions *session.Manager, tiered *cache.TieredCache, engines engine.Engines, sender transport.MessageSender, controller *optimizer.Controller, logger *logrus.Logger) *Orchestrator {
	o := &Orchestrator{
		logger:        logger.WithField("component", "pipeline"),
		config:        config,
		sessions:      sessions,
		tiered:        tiered,
		engines:       engines,
		sender:        sender,
		controller:    controller,
		sem:           make(chan struct{}, config.MaxConcurrentChunks),
		queues:        make(map[string]*sessionQueue),
		preprocessors: make(map[string]*audio.Preprocessor),
		stopChan:      make(chan struct{}),
	}

	if controller != nil {
		controller.SetPrefetchFunc(o.PrefetchIntents)
	}

	o.logger.WithFields(logrus.Fields{
		"max_concurrent_chunks": config.MaxConcurrentChunks,
		"chunk_deadline":        config.ChunkDeadline,
	}).Info("Pipeline orchestrator initialized")

	return o
}

// Submit enqueues a chunk for its session's queue. Returns
// ErrSessionNotFound when no live session matches, and
// ErrResourceExhausted when the session's queue is full.
func (o *Orchestrator) Submit(chunk *transport.AudioChunk) error {
	if _, err := o.sessions.GetSession(chunk.SessionID); err != nil {
		return err
	}

	q := o.queue(chunk.SessionID)

	select {
	case q.chunks <- chunk:
		return nil
	default:
		return errors.Wrap(errors.ErrResourceExhausted, "session chunk queue full",
			map[string]interface{}{"session_id": chunk.SessionID})
	}
}

// EndSession terminates a session through the manager and tears down its
// pipeline state
func (o *Orchestrator) EndSession(sessionID, reason string) (*session.Summary, error) {
	summary, err := o.sessions.EndSession(sessionID, reason)
	o.removeSession(sessionID)
	return summary, err
}

// Shutdown stops accepting chunks and waits for in-flight processing
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() { close(o.stopChan) })

	o.mu.Lock()
	for id, q := range o.queues {
		close(q.done)
		delete(o.queues, id)
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.logger.Info("Pipeline orchestrator shutdown complete")
}

// PrefetchIntents generates and caches responses for the given likely
// intents under their generic (user-independent) keys. Failures are absorbed.
func (o *Orchestrator) PrefetchIntents(ctx context.Context, intents []string) {
	for _, intent := range intents {
		result, err := o.engines.Generator.Generate(ctx, "", intent, &engine.ConversationState{})
		if err != nil {
			o.logger.WithError(err).WithField("intent", intent).Debug("Prefetch generation failed")
			continue
		}

		o.tiered.SetJSON(ctx, cache.NamespaceResponse, genericResponseKey(intent), result)

		if metrics.Enabled() {
			metrics.PrefetchDispatched.Inc()
		}
	}
}

// queue returns (or creates) the serialized queue for a session
func (o *Orchestrator) queue(sessionID string) *sessionQueue {
	o.mu.Lock()
	defer o.mu.Unlock()

	if q, ok := o.queues[sessionID]; ok {
		return q
	}

	q := &sessionQueue{
		chunks: make(chan *transport.AudioChunk, o.config.QueueDepth),
		done:   make(chan struct{}),
	}
	o.queues[sessionID] = q

	o.wg.Add(1)
	go o.runQueue(q)

	return q
}

// runQueue processes one session's chunks strictly in arrival order. The
// next chunk starts only after the previous chunk's pipeline has fully
// returned.
func (o *Orchestrator) runQueue(q *sessionQueue) {
	defer o.wg.Done()

	for {
		select {
		case chunk := <-q.chunks:
			select {
			case o.sem <- struct{}{}:
			case <-q.done:
				return
			case <-o.stopChan:
				return
			}

			if metrics.Enabled() {
				metrics.ChunksInFlight.Inc()
			}
			o.processChunk(chunk)
			if metrics.Enabled() {
				metrics.ChunksInFlight.Dec()
			}
			<-o.sem
		case <-q.done:
			return
		case <-o.stopChan:
			return
		}
	}
}

// removeSession tears down the queue and preprocessor state for a session
func (o *Orchestrator) removeSession(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if q, ok := o.queues[sessionID]; ok {
		close(q.done)
		delete(o.queues, sessionID)
	}
	delete(o.preprocessors, sessionID)
}

// preprocessor returns the per-session VAD/gain state
func (o *Orchestrator) preprocessor(sessionID string) *audio.Preprocessor {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.preprocessors[sessionID]; ok {
		return p
	}
	p := audio.NewPreprocessor(audio.DefaultPreprocessConfig())
	o.preprocessors[sessionID] = p
	return p
}

func genericResponseKey(intent string) string {
	return cache.ResponseKey(intent, "", "")
}
