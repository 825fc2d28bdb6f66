package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
)

// Namespace identifies one of the five independent cache namespaces
type Namespace string

const (
	NamespaceTranscription Namespace = "transcription"
	NamespaceIntent        Namespace = "intent"
	NamespaceResponse      Namespace = "response"
	NamespaceAudio         Namespace = "tts_audio"
	NamespaceProfile       Namespace = "user_profile"
)

// AllNamespaces lists every namespace, used for health aggregation
var AllNamespaces = []Namespace{
	NamespaceTranscription,
	NamespaceIntent,
	NamespaceResponse,
	NamespaceAudio,
	NamespaceProfile,
}

// HealthStatus summarizes tier effectiveness
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// TierConfig configures the tiered cache
type TierConfig struct {
	L1MaxEntries  int
	L1MaxBytes    int
	TTLs          map[Namespace]time.Duration
	SweepInterval time.Duration
}

// DefaultTierConfig returns the standard namespace TTLs
func DefaultTierConfig() TierConfig {
	return TierConfig{
		L1MaxEntries: 10000,
		TTLs: map[Namespace]time.Duration{
			NamespaceTranscription: time.Hour,
			NamespaceIntent:        30 * time.Minute,
			NamespaceResponse:      15 * time.Minute,
			NamespaceAudio:         2 * time.Hour,
			NamespaceProfile:       24 * time.Hour,
		},
		SweepInterval: time.Minute,
	}
}

// namespaceStats tracks hit/miss counters for one namespace
type namespaceStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (s *namespaceStats) hitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// NamespaceStats is a read-only snapshot of one namespace's counters
type NamespaceStats struct {
	Namespace Namespace `json:"namespace"`
	Hits      int64     `json:"hits"`
	Misses    int64     `json:"misses"`
	HitRate   float64   `json:"hit_rate"`
	L1Entries int       `json:"l1_entries"`
	L1Bytes   int       `json:"l1_bytes"`
}

// TieredCache is the two-level cache: an in-process LRU per namespace in
// front of a shared distributed store. Lookups check L1 first; a distributed
// hit backfills L1. Writes go through to both tiers, and a distributed write
// failure is logged but never fails the caller.
type TieredCache struct {
	logger *logrus.Entry
	config TierConfig

	l1    map[Namespace]*LRUCache
	l2    DistributedStore
	stats map[Namespace]*namespaceStats

	sweepTicker *time.Ticker
	stopOnce    sync.Once
	stopChan    chan struct{}
}

// NewTieredCache creates the tiered cache. The distributed store may be nil,
// in which case every L1 miss is a full miss.
func NewTieredCache(config TierConfig, l2 DistributedStore, logger *logrus.Logger) *TieredCache {
	tc := &TieredCache{
		logger:   logger.WithField("component", "cache_tier"),
		config:   config,
		l1:       make(map[Namespace]*LRUCache, len(AllNamespaces)),
		l2:       l2,
		stats:    make(map[Namespace]*namespaceStats, len(AllNamespaces)),
		stopChan: make(chan struct{}),
	}

	for _, ns := range AllNamespaces {
		ttl := config.TTLs[ns]
		if ttl <= 0 {
			ttl = 15 * time.Minute
		}
		l1 := NewLRUCache(config.L1MaxEntries, config.L1MaxBytes, ttl)
		namespace := string(ns)
		l1.SetEvictionHook(func(cause string) {
			if metrics.Enabled() {
				metrics.CacheEvicted.WithLabelValues(namespace, cause).Inc()
			}
		})
		tc.l1[ns] = l1
		tc.stats[ns] = &namespaceStats{}
	}

	if config.SweepInterval > 0 {
		tc.sweepTicker = time.NewTicker(config.SweepInterval)
		go tc.sweepLoop()
	}

	tc.logger.WithFields(logrus.Fields{
		"l1_max_entries": config.L1MaxEntries,
		"distributed":    l2 != nil,
	}).Info("Tiered cache initialized")

	return tc
}

// Get looks up a key, L1 first, then the distributed tier. A distributed hit
// backfills L1 with the namespace TTL. Distributed failures degrade to a miss.
func (tc *TieredCache) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	stats := tc.stats[ns]

	if payload, ok := tc.l1[ns].Get(key); ok {
		stats.hits.Add(1)
		metrics.RecordCacheHit(string(ns), "l1")
		return payload, true
	}

	if tc.l2 != nil {
		payload, err := tc.l2.Get(ctx, tc.namespacedKey(ns, key))
		if err == nil {
			// Backfill the in-process tier
			tc.l1[ns].Set(key, payload)
			stats.hits.Add(1)
			metrics.RecordCacheHit(string(ns), "l2")
			return payload, true
		}
		if !errors.Is(err, errors.ErrNotFound) {
			if metrics.Enabled() {
				metrics.CacheL2Fail.WithLabelValues(string(ns), "get").Inc()
			}
			tc.logger.WithError(err).WithField("namespace", ns).Debug("Distributed tier lookup failed, treating as miss")
		}
	}

	stats.misses.Add(1)
	metrics.RecordCacheMiss(string(ns))
	return nil, false
}

// Set writes a key to both tiers under the namespace TTL
func (tc *TieredCache) Set(ctx context.Context, ns Namespace, key string, payload []byte) {
	tc.SetWithTTL(ctx, ns, key, payload, tc.config.TTLs[ns])
}

// SetWithTTL writes a key to both tiers with an explicit TTL. A distributed
// write failure is logged and absorbed.
func (tc *TieredCache) SetWithTTL(ctx context.Context, ns Namespace, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = tc.config.TTLs[ns]
	}

	tc.l1[ns].SetWithTTL(key, payload, ttl)

	if tc.l2 != nil {
		if err := tc.l2.Set(ctx, tc.namespacedKey(ns, key), payload, ttl); err != nil {
			if metrics.Enabled() {
				metrics.CacheL2Fail.WithLabelValues(string(ns), "set").Inc()
			}
			tc.logger.WithError(err).WithField("namespace", ns).Warn("Distributed tier write failed")
		}
	}
}

// GetJSON looks up a key and unmarshals the payload into dest
func (tc *TieredCache) GetJSON(ctx context.Context, ns Namespace, key string, dest interface{}) bool {
	payload, ok := tc.Get(ctx, ns, key)
	if !ok {
		return false
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		tc.logger.WithError(err).WithField("namespace", ns).Warn("Corrupt cache payload, evicting")
		tc.l1[ns].Delete(key)
		return false
	}
	return true
}

// SetJSON marshals value and writes it to both tiers
func (tc *TieredCache) SetJSON(ctx context.Context, ns Namespace, key string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		tc.logger.WithError(err).WithField("namespace", ns).Warn("Failed to marshal cache payload")
		return
	}
	tc.Set(ctx, ns, key, payload)
}

// Delete removes a key from the in-process tier
func (tc *TieredCache) Delete(ns Namespace, key string) {
	tc.l1[ns].Delete(key)
}

// Stats returns a snapshot of per-namespace counters
func (tc *TieredCache) Stats() []NamespaceStats {
	out := make([]NamespaceStats, 0, len(AllNamespaces))
	for _, ns := range AllNamespaces {
		stats := tc.stats[ns]
		out = append(out, NamespaceStats{
			Namespace: ns,
			Hits:      stats.hits.Load(),
			Misses:    stats.misses.Load(),
			HitRate:   stats.hitRate(),
			L1Entries: tc.l1[ns].Len(),
			L1Bytes:   tc.l1[ns].Bytes(),
		})
	}
	return out
}

// HitRate returns the average hit rate across all namespaces
func (tc *TieredCache) HitRate() float64 {
	var sum float64
	for _, ns := range AllNamespaces {
		sum += tc.stats[ns].hitRate()
	}
	return sum / float64(len(AllNamespaces))
}

// Health derives tier health from the average hit rate
func (tc *TieredCache) Health() HealthStatus {
	rate := tc.HitRate()
	switch {
	case rate >= 0.7:
		return HealthHealthy
	case rate >= 0.4:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// Close stops the sweep loop and closes the distributed store
func (tc *TieredCache) Close() error {
	tc.stopOnce.Do(func() {
		close(tc.stopChan)
		if tc.sweepTicker != nil {
			tc.sweepTicker.Stop()
		}
	})

	if tc.l2 != nil {
		return tc.l2.Close()
	}
	return nil
}

func (tc *TieredCache) namespacedKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

func (tc *TieredCache) sweepLoop() {
	for {
		select {
		case <-tc.sweepTicker.C:
			removed := 0
			for _, l1 := range tc.l1 {
				removed += l1.RemoveExpired()
			}
			if removed > 0 {
				tc.logger.WithField("count", removed).Debug("Swept expired cache entries")
			}
		case <-tc.stopChan:
			return
		}
	}
}
