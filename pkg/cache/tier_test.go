package cache

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/engine"
	"callguard-server/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testTierConfig() TierConfig {
	config := DefaultTierConfig()
	config.SweepInterval = 0
	return config
}

// failingStore simulates a distributed tier outage
type failingStore struct{}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (f *failingStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (f *failingStore) Health(ctx context.Context) error { return errors.New("connection refused") }
func (f *failingStore) Close() error                     { return nil }

func TestTieredCacheSetGet(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, NamespaceTranscription, "abc:en-US", []byte("hello there"))

	payload, ok := tc.Get(ctx, NamespaceTranscription, "abc:en-US")
	require.True(t, ok)
	assert.Equal(t, []byte("hello there"), payload)

	// Reads are idempotent: a second lookup returns the same payload
	again, ok := tc.Get(ctx, NamespaceTranscription, "abc:en-US")
	require.True(t, ok)
	assert.Equal(t, payload, again)
}

func TestTieredCacheNamespaceIsolation(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, NamespaceIntent, "key", []byte("decline"))

	_, ok := tc.Get(ctx, NamespaceResponse, "key")
	assert.False(t, ok, "namespaces must not share entries")

	_, ok = tc.Get(ctx, NamespaceIntent, "key")
	assert.True(t, ok)
}

func TestTieredCacheTTLExpiry(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.SetWithTTL(ctx, NamespaceResponse, "greeting", []byte("hi"), 40*time.Millisecond)

	_, ok := tc.Get(ctx, NamespaceResponse, "greeting")
	assert.True(t, ok, "entry should be served before its TTL elapses")

	time.Sleep(60 * time.Millisecond)

	_, ok = tc.Get(ctx, NamespaceResponse, "greeting")
	assert.False(t, ok, "entry should expire after its TTL")
}

func TestTieredCacheL2BackfillsL1(t *testing.T) {
	l2 := NewMemoryStore()
	tc := NewTieredCache(testTierConfig(), l2, testLogger())
	defer tc.Close()

	ctx := context.Background()
	err := l2.Set(ctx, tc.namespacedKey(NamespaceProfile, "user-1"), []byte(`{"user_id":"user-1"}`), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, tc.l1[NamespaceProfile].Len())

	payload, ok := tc.Get(ctx, NamespaceProfile, "user-1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"user_id":"user-1"}`), payload)

	// The distributed hit backfilled the in-process tier
	assert.Equal(t, 1, tc.l1[NamespaceProfile].Len())
	cached, ok := tc.l1[NamespaceProfile].Get("user-1")
	require.True(t, ok)
	assert.Equal(t, payload, cached)
}

func TestTieredCacheWriteThrough(t *testing.T) {
	l2 := NewMemoryStore()
	tc := NewTieredCache(testTierConfig(), l2, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, NamespaceAudio, "phrase", []byte("audio-bytes"))

	payload, err := l2.Get(ctx, tc.namespacedKey(NamespaceAudio, "phrase"))
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), payload)
}

func TestTieredCacheSurvivesL2Failure(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), &failingStore{}, testLogger())

	ctx := context.Background()
	tc.Set(ctx, NamespaceIntent, "key", []byte("sales_pitch"))

	// The L1 write still lands even though the distributed write failed
	payload, ok := tc.Get(ctx, NamespaceIntent, "key")
	require.True(t, ok)
	assert.Equal(t, []byte("sales_pitch"), payload)

	// A miss plus a broken L2 degrades to a plain miss
	_, ok = tc.Get(ctx, NamespaceIntent, "absent")
	assert.False(t, ok)
}

func TestTieredCacheGetJSONEvictsCorruptPayload(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, NamespaceProfile, "user-2", []byte("{not json"))

	var dest map[string]string
	assert.False(t, tc.GetJSON(ctx, NamespaceProfile, "user-2", &dest))

	_, ok := tc.Get(ctx, NamespaceProfile, "user-2")
	assert.False(t, ok, "corrupt entry should be evicted")
}

func TestTieredCacheHealth(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	assert.Equal(t, HealthUnhealthy, tc.Health())

	for _, ns := range AllNamespaces {
		tc.Set(ctx, ns, "k", []byte("v"))
	}
	for i := 0; i < 9; i++ {
		for _, ns := range AllNamespaces {
			_, ok := tc.Get(ctx, ns, "k")
			require.True(t, ok)
		}
	}
	// 9 hits, 0 misses per namespace
	assert.Equal(t, HealthHealthy, tc.Health())

	for i := 0; i < 9; i++ {
		for _, ns := range AllNamespaces {
			tc.Get(ctx, ns, "missing")
		}
	}
	// 9 hits, 9 misses per namespace: 0.5 sits in the degraded band
	assert.Equal(t, HealthDegraded, tc.Health())
	assert.InDelta(t, 0.5, tc.HitRate(), 0.001)
}

func TestTieredCacheStats(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	tc.Set(ctx, NamespaceTranscription, "k", []byte("v"))
	tc.Get(ctx, NamespaceTranscription, "k")
	tc.Get(ctx, NamespaceTranscription, "missing")

	stats := tc.Stats()
	require.Len(t, stats, len(AllNamespaces))
	for _, s := range stats {
		if s.Namespace != NamespaceTranscription {
			continue
		}
		assert.Equal(t, int64(1), s.Hits)
		assert.Equal(t, int64(1), s.Misses)
		assert.Equal(t, 1, s.L1Entries)
	}
}

func TestLRUCacheCapacityEviction(t *testing.T) {
	lru := NewLRUCache(2, 0, time.Hour)

	var evictions []string
	lru.SetEvictionHook(func(cause string) { evictions = append(evictions, cause) })

	lru.Set("a", []byte("1"))
	lru.Set("b", []byte("2"))
	lru.Get("a") // refresh a so b is now the oldest
	lru.Set("c", []byte("3"))

	_, ok := lru.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = lru.Get("a")
	assert.True(t, ok)
	_, ok = lru.Get("c")
	assert.True(t, ok)

	assert.Equal(t, []string{"capacity"}, evictions)
}

func TestLRUCacheByteBound(t *testing.T) {
	lru := NewLRUCache(100, 10, time.Hour)

	lru.Set("a", []byte("12345"))
	lru.Set("b", []byte("12345"))
	assert.Equal(t, 10, lru.Bytes())

	lru.Set("c", []byte("12345"))
	assert.LessOrEqual(t, lru.Bytes(), 10)
	_, ok := lru.Get("a")
	assert.False(t, ok)
}

func TestLRUCacheRemoveExpired(t *testing.T) {
	lru := NewLRUCache(100, 0, time.Hour)

	lru.SetWithTTL("stale", []byte("x"), time.Millisecond)
	lru.Set("fresh", []byte("y"))
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, lru.RemoveExpired())
	assert.Equal(t, 1, lru.Len())
	_, ok := lru.Get("fresh")
	assert.True(t, ok)
}

func TestKeyDerivation(t *testing.T) {
	assert.Equal(t, IntentKey("Not Interested", "u1"), IntentKey("not   interested", "u1"),
		"intent keys normalize case and whitespace")
	assert.NotEqual(t, IntentKey("not interested", "u1"), IntentKey("not interested", "u2"))

	assert.NotEqual(t, AudioKey("Goodbye.", "neutral-1"), AudioKey("Goodbye.", "warm-2"))

	payload := []byte("hello")
	assert.Equal(t, ResultKey(payload, "u1", "decline"), ResultKey(payload, "u1", "decline"))
	assert.NotEqual(t, ResultKey(payload, "u1", "decline"), ResultKey(payload, "u1", "farewell"))
}

func TestWarmerPopulatesHotEntries(t *testing.T) {
	l2 := NewMemoryStore()
	tc := NewTieredCache(testTierConfig(), l2, testLogger())
	defer tc.Close()

	ctx := context.Background()
	gen := func(ctx context.Context, intent string) (*engine.GenerationResult, error) {
		return &engine.GenerationResult{Text: "reply to " + intent, Confidence: 0.9}, nil
	}
	synth := func(ctx context.Context, text string) ([]byte, error) {
		return []byte(fmt.Sprintf("tts:%s", text)), nil
	}

	warmer := NewWarmer(tc, gen, synth, "neutral-1", time.Hour, testLogger())
	warmer.Warm(ctx)

	// Responses sit under the generic key the generation stage queries
	for _, intent := range CommonScreeningIntents {
		var cached engine.GenerationResult
		require.True(t, tc.GetJSON(ctx, NamespaceResponse, ResponseKey(intent, "", ""), &cached),
			"intent %q should be warmed", intent)
		assert.Equal(t, "reply to "+intent, cached.Text)

		audio, ok := tc.Get(ctx, NamespaceAudio, AudioKey(cached.Text, "neutral-1"))
		require.True(t, ok)
		assert.Equal(t, []byte("tts:"+cached.Text), audio)
	}

	for _, phrase := range CommonDeclinePhrases {
		audio, ok := tc.Get(ctx, NamespaceAudio, AudioKey(phrase, "neutral-1"))
		require.True(t, ok, "phrase %q should be synthesized", phrase)
		assert.Equal(t, []byte("tts:"+phrase), audio)
	}
}

func TestWarmerAbsorbsGenerationFailure(t *testing.T) {
	tc := NewTieredCache(testTierConfig(), nil, testLogger())
	defer tc.Close()

	ctx := context.Background()
	gen := func(ctx context.Context, intent string) (*engine.GenerationResult, error) {
		if intent == "decline" {
			return nil, errors.New("generator offline")
		}
		return &engine.GenerationResult{Text: "reply to " + intent}, nil
	}

	warmer := NewWarmer(tc, gen, nil, "neutral-1", time.Hour, testLogger())
	warmer.Warm(ctx)

	var cached engine.GenerationResult
	assert.False(t, tc.GetJSON(ctx, NamespaceResponse, ResponseKey("decline", "", ""), &cached))
	require.True(t, tc.GetJSON(ctx, NamespaceResponse, ResponseKey("sales_pitch", "", ""), &cached))
	assert.Equal(t, "reply to sales_pitch", cached.Text)
}

func TestWarmerReloadsTrackedProfiles(t *testing.T) {
	l2 := NewMemoryStore()
	tc := NewTieredCache(testTierConfig(), l2, testLogger())
	defer tc.Close()

	ctx := context.Background()
	err := l2.Set(ctx, tc.namespacedKey(NamespaceProfile, ProfileKey("user-7")), []byte(`{"user_id":"user-7"}`), time.Hour)
	require.NoError(t, err)

	warmer := NewWarmer(tc, nil, nil, "neutral-1", time.Hour, testLogger())
	warmer.TrackUser("user-7")
	warmer.TrackUser("")
	warmer.Warm(ctx)

	// The profile now sits in L1, not just the distributed tier
	_, ok := tc.l1[NamespaceProfile].Get(ProfileKey("user-7"))
	assert.True(t, ok)
}
