package optimizer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/cache"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
)

// ControllerConfig holds adaptive optimization configuration
type ControllerConfig struct {
	EvaluationInterval time.Duration
	PrefetchInterval   time.Duration
	SampleWindow       int
	InitialProfile     string
}

// DefaultControllerConfig returns standard controller intervals
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		EvaluationInterval: 10 * time.Second,
		PrefetchInterval:   30 * time.Second,
		SampleWindow:       500,
		InitialProfile:     "relaxed",
	}
}

// ProfileChange is emitted when the active profile transitions
type ProfileChange struct {
	From         string    `json:"from"`
	To           string    `json:"to"`
	P95          float64   `json:"p95_ms"`
	CacheHitRate float64   `json:"cache_hit_rate"`
	CacheHealth  string    `json:"cache_health,omitempty"`
	Automatic    bool      `json:"automatic"`
	Timestamp    time.Time `json:"timestamp"`
}

// PrefetchFunc drives targeted cache prefetch for the given likely intents
type PrefetchFunc func(ctx context.Context, intents []string)

// Controller observes aggregate pipeline latency and cache effectiveness,
// escalates through the profile ladder when the p95 drifts past the active
// target, and periodically drives predictive prefetch. It never auto-relaxes:
// returning to a looser profile requires an explicit Reset.
type Controller struct {
	logger   *logrus.Entry
	config   ControllerConfig
	profiles []*Profile // ordered loosest to strictest
	tiered   *cache.TieredCache

	active atomic.Pointer[Profile]

	mu          sync.Mutex
	samples     []time.Duration
	sampleIdx   int
	sampleCount int
	intentSeen  map[string]int64

	prefetch PrefetchFunc

	events   chan *ProfileChange
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewController creates the controller with the given profile ladder. The
// initial profile must name one of the profiles.
func NewController(config ControllerConfig, profiles []*Profile, tiered *cache.TieredCache, logger *logrus.Logger) (*Controller, error) {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	if config.SampleWindow <= 0 {
		config.SampleWindow = 500
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = 10 * time.Second
	}
	if config.PrefetchInterval <= 0 {
		config.PrefetchInterval = 30 * time.Second
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Level < profiles[j].Level })

	c := &Controller{
		logger:     logger.WithField("component", "optimizer"),
		config:     config,
		profiles:   profiles,
		tiered:     tiered,
		samples:    make([]time.Duration, config.SampleWindow),
		intentSeen: make(map[string]int64),
		events:     make(chan *ProfileChange, 16),
		stopChan:   make(chan struct{}),
	}

	initial := profiles[0]
	for _, p := range profiles {
		if p.Name == config.InitialProfile {
			initial = p
			break
		}
	}
	c.active.Store(initial)
	if metrics.Enabled() {
		metrics.ActiveProfileLevel.Set(float64(initial.Level))
	}

	c.logger.WithFields(logrus.Fields{
		"profiles": len(profiles),
		"active":   initial.Name,
	}).Info("Optimization controller initialized")

	return c, nil
}

// Active returns the current profile snapshot. Readers take one snapshot per
// chunk so targets stay consistent within a chunk.
func (c *Controller) Active() *Profile {
	return c.active.Load()
}

// Events exposes the profile-change subscription channel
func (c *Controller) Events() <-chan *ProfileChange {
	return c.events
}

// SetPrefetchFunc installs the targeted prefetch callback
func (c *Controller) SetPrefetchFunc(fn PrefetchFunc) {
	c.prefetch = fn
}

// RecordLatency feeds one chunk's total pipeline latency into the sample
// window
func (c *Controller) RecordLatency(total time.Duration) {
	c.mu.Lock()
	c.samples[c.sampleIdx] = total
	c.sampleIdx = (c.sampleIdx + 1) % len(c.samples)
	if c.sampleCount < len(c.samples) {
		c.sampleCount++
	}
	c.mu.Unlock()
}

// RecordIntent feeds one recognized intent into pattern tracking
func (c *Controller) RecordIntent(intent string) {
	if intent == "" || intent == "unknown" {
		return
	}
	c.mu.Lock()
	c.intentSeen[intent]++
	c.mu.Unlock()
}

// P95 returns the current 95th percentile of total pipeline latency
func (c *Controller) P95() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p95Locked()
}

func (c *Controller) p95Locked() time.Duration {
	if c.sampleCount == 0 {
		return 0
	}

	window := make([]time.Duration, c.sampleCount)
	copy(window, c.samples[:c.sampleCount])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	idx := (c.sampleCount * 95) / 100
	if idx >= c.sampleCount {
		idx = c.sampleCount - 1
	}
	return window[idx]
}

// Evaluate runs one escalation check: if the recent p95 exceeds the active
// profile's total target, the controller moves to the next stricter profile.
// An unhealthy cache leaves no recovery headroom, so it pulls the escalation
// threshold down to 90% of the target.
func (c *Controller) Evaluate() {
	c.mu.Lock()
	p95 := c.p95Locked()
	c.mu.Unlock()

	active := c.Active()
	hitRate, health := c.cacheEffectiveness()

	limit := active.Targets.Total
	if health == cache.HealthUnhealthy {
		limit = limit * 9 / 10
	}
	if p95 == 0 || p95 <= limit {
		return
	}

	next := c.stricterThan(active)
	if next == nil {
		c.logger.WithFields(logrus.Fields{
			"p95":            p95,
			"target":         active.Targets.Total,
			"cache_hit_rate": hitRate,
			"cache_health":   health,
		}).Warn("Latency p95 over target but no stricter profile available")
		return
	}

	c.transition(active, next, p95, true)
}

// cacheEffectiveness snapshots the tier's hit rate and health. Without a
// cache the health reads empty and escalation uses the plain target.
func (c *Controller) cacheEffectiveness() (float64, cache.HealthStatus) {
	if c.tiered == nil {
		return 0, ""
	}
	return c.tiered.HitRate(), c.tiered.Health()
}

// Reset explicitly activates the named profile. This is the only path back
// to a looser profile.
func (c *Controller) Reset(name string) error {
	for _, p := range c.profiles {
		if p.Name == name {
			c.transition(c.Active(), p, 0, false)
			return nil
		}
	}
	return errors.Wrap(errors.ErrNotFound, "unknown optimization profile",
		map[string]interface{}{"profile": name})
}

// Start launches the evaluation and prefetch loops
func (c *Controller) Start(ctx context.Context) {
	go c.evaluationLoop(ctx)
	go c.prefetchLoop(ctx)
}

// Stop halts the background loops
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// LikelyIntents returns the most frequently seen intents, best first
func (c *Controller) LikelyIntents(topN int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type pair struct {
		intent string
		count  int64
	}
	pairs := make([]pair, 0, len(c.intentSeen))
	for intent, count := range c.intentSeen {
		pairs = append(pairs, pair{intent, count})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].count > pairs[j].count })

	if topN > len(pairs) {
		topN = len(pairs)
	}
	out := make([]string, 0, topN)
	for _, p := range pairs[:topN] {
		out = append(out, p.intent)
	}
	return out
}

func (c *Controller) stricterThan(p *Profile) *Profile {
	for _, candidate := range c.profiles {
		if candidate.Level > p.Level {
			return candidate
		}
	}
	return nil
}

func (c *Controller) transition(from, to *Profile, p95 time.Duration, automatic bool) {
	if from == to {
		return
	}

	c.active.Store(to)

	if metrics.Enabled() {
		metrics.ActiveProfileLevel.Set(float64(to.Level))
		if automatic {
			metrics.ProfileEscalations.Inc()
		}
	}

	hitRate, health := c.cacheEffectiveness()
	change := &ProfileChange{
		From:         from.Name,
		To:           to.Name,
		P95:          float64(p95.Milliseconds()),
		CacheHitRate: hitRate,
		CacheHealth:  string(health),
		Automatic:    automatic,
		Timestamp:    time.Now(),
	}

	c.logger.WithFields(logrus.Fields{
		"from":           from.Name,
		"to":             to.Name,
		"p95":            p95,
		"cache_hit_rate": hitRate,
		"cache_health":   health,
		"automatic":      automatic,
	}).Info("Optimization profile changed")

	select {
	case c.events <- change:
	default:
		c.logger.Warn("Profile change event channel full, dropping event")
	}
}

func (c *Controller) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Evaluate()
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) prefetchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PrefetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.Active().PrefetchEnabled || c.prefetch == nil {
				continue
			}
			intents := c.LikelyIntents(5)
			if len(intents) == 0 {
				continue
			}
			prefetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			c.prefetch(prefetchCtx, intents)
			cancel()
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
