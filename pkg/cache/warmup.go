package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/engine"
)

// CommonScreeningIntents are the caller intents whose canned replies are
// pre-warmed into the response namespace under their generic
// (user-independent) keys, the same keys the generation stage consults.
var CommonScreeningIntents = []string{
	"decline",
	"sales_pitch",
	"identity_question",
	"farewell",
}

// CommonDeclinePhrases are pre-synthesized into the audio namespace so the
// most likely screening replies never pay synthesis cost.
var CommonDeclinePhrases = []string{
	"Please remove me from your list.",
	"We're not interested, thank you.",
	"Please don't call this number again.",
	"I'm answering on behalf of the person you called. What is this regarding?",
	"Could you tell me what this call is about?",
	"Goodbye.",
}

// GenerateFunc produces the canned reply for an intent during warm-up
type GenerateFunc func(ctx context.Context, intent string) (*engine.GenerationResult, error)

// SynthesizeFunc converts text to audio for warm-up population
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// Warmer periodically pre-populates hot cache entries and refreshes the
// profiles of frequently seen users from the distributed tier.
type Warmer struct {
	logger     *logrus.Entry
	cache      *TieredCache
	generate   GenerateFunc
	synthesize SynthesizeFunc
	voice      string
	interval   time.Duration

	mu            sync.Mutex
	frequentUsers map[string]int64

	ticker   *time.Ticker
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWarmer creates a cache warmer. generate and synthesize may each be nil,
// disabling the response and audio halves of the warm-up respectively.
func NewWarmer(cache *TieredCache, generate GenerateFunc, synthesize SynthesizeFunc, voiceProfile string, interval time.Duration, logger *logrus.Logger) *Warmer {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Warmer{
		logger:        logger.WithField("component", "cache_warmer"),
		cache:         cache,
		generate:      generate,
		synthesize:    synthesize,
		voice:         voiceProfile,
		interval:      interval,
		frequentUsers: make(map[string]int64),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the periodic warm-up loop, running one pass immediately
func (w *Warmer) Start(ctx context.Context) {
	w.ticker = time.NewTicker(w.interval)

	go func() {
		w.Warm(ctx)
		for {
			select {
			case <-w.ticker.C:
				w.Warm(ctx)
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	w.logger.WithField("interval", w.interval).Info("Cache warm-up started")
}

// Stop halts the warm-up loop
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if w.ticker != nil {
			w.ticker.Stop()
		}
	})
}

// TrackUser marks a user as recently active so their profile is refreshed
// during warm-up
func (w *Warmer) TrackUser(userID string) {
	if userID == "" {
		return
	}
	w.mu.Lock()
	w.frequentUsers[userID]++
	w.mu.Unlock()
}

// Warm runs one warm-up pass. Failures are logged, never fatal.
func (w *Warmer) Warm(ctx context.Context) {
	warmed := 0

	if w.generate != nil {
		for _, intent := range CommonScreeningIntents {
			result, err := w.generate(ctx, intent)
			if err != nil {
				w.logger.WithError(err).WithField("intent", intent).Warn("Warm-up generation failed")
				continue
			}
			w.cache.SetJSON(ctx, NamespaceResponse, ResponseKey(intent, "", ""), result)
			warmed++
			warmed += w.warmAudio(ctx, result.Text)
		}
	}

	for _, phrase := range CommonDeclinePhrases {
		warmed += w.warmAudio(ctx, phrase)
	}

	w.mu.Lock()
	users := make([]string, 0, len(w.frequentUsers))
	for userID := range w.frequentUsers {
		users = append(users, userID)
	}
	w.mu.Unlock()

	// Re-reading through the tier backfills L1 from the distributed store
	reloaded := 0
	for _, userID := range users {
		if _, ok := w.cache.Get(ctx, NamespaceProfile, ProfileKey(userID)); ok {
			reloaded++
		}
	}

	w.logger.WithFields(logrus.Fields{
		"entries_warmed":    warmed,
		"profiles_reloaded": reloaded,
		"tracked_users":     len(users),
	}).Debug("Cache warm-up pass completed")
}

// warmAudio synthesizes one reply text into the audio namespace under the
// same key the synthesis stage derives from the response text
func (w *Warmer) warmAudio(ctx context.Context, text string) int {
	if w.synthesize == nil {
		return 0
	}
	key := AudioKey(text, w.voice)
	if _, ok := w.cache.Get(ctx, NamespaceAudio, key); ok {
		return 0
	}
	audio, err := w.synthesize(ctx, text)
	if err != nil {
		w.logger.WithError(err).Warn("Warm-up synthesis failed")
		return 0
	}
	w.cache.Set(ctx, NamespaceAudio, key, audio)
	return 1
}
