package optimizer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/cache"
	"callguard-server/pkg/errors"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := NewController(DefaultControllerConfig(), DefaultProfiles(), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func feedLatency(c *Controller, sample time.Duration, n int) {
	for i := 0; i < n; i++ {
		c.RecordLatency(sample)
	}
}

func TestControllerStartsOnInitialProfile(t *testing.T) {
	config := DefaultControllerConfig()
	config.InitialProfile = "standard"
	c, err := NewController(config, DefaultProfiles(), nil, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	assert.Equal(t, "standard", c.Active().Name)
	assert.Equal(t, 1000*time.Millisecond, c.Active().Targets.Total)
}

func TestEvaluateEscalatesWhenP95OverTarget(t *testing.T) {
	c := newTestController(t)
	require.Equal(t, "relaxed", c.Active().Name)

	// Sustained latency above the relaxed 1500ms target
	feedLatency(c, 1800*time.Millisecond, 50)
	c.Evaluate()

	assert.Equal(t, "standard", c.Active().Name)

	select {
	case change := <-c.Events():
		assert.Equal(t, "relaxed", change.From)
		assert.Equal(t, "standard", change.To)
		assert.True(t, change.Automatic)
		assert.Equal(t, float64(1800), change.P95)
	default:
		t.Fatal("expected a profile change event")
	}
}

func TestEvaluateIsMonotonic(t *testing.T) {
	c := newTestController(t)

	feedLatency(c, 2*time.Second, 50)
	c.Evaluate()
	require.Equal(t, "standard", c.Active().Name)
	c.Evaluate()
	require.Equal(t, "strict", c.Active().Name)

	// Already at the strictest rung: stays put
	c.Evaluate()
	assert.Equal(t, "strict", c.Active().Name)
}

func TestEvaluateNeverRelaxes(t *testing.T) {
	c := newTestController(t)

	feedLatency(c, 2*time.Second, 50)
	c.Evaluate()
	require.Equal(t, "standard", c.Active().Name)
	<-c.Events()

	// Latency recovers well under every target, but evaluation must not
	// walk back down the ladder
	feedLatency(c, 100*time.Millisecond, 500)
	for i := 0; i < 10; i++ {
		c.Evaluate()
	}
	assert.Equal(t, "standard", c.Active().Name)

	select {
	case change := <-c.Events():
		t.Fatalf("unexpected profile change: %s -> %s", change.From, change.To)
	default:
	}
}

func TestEvaluateUnderTargetHolds(t *testing.T) {
	c := newTestController(t)

	feedLatency(c, 900*time.Millisecond, 50)
	c.Evaluate()
	assert.Equal(t, "relaxed", c.Active().Name)
}

func TestEvaluateWithoutSamplesHolds(t *testing.T) {
	c := newTestController(t)
	c.Evaluate()
	assert.Equal(t, "relaxed", c.Active().Name)
}

func TestResetIsTheOnlyPathDown(t *testing.T) {
	c := newTestController(t)

	feedLatency(c, 2*time.Second, 50)
	c.Evaluate()
	c.Evaluate()
	require.Equal(t, "strict", c.Active().Name)

	require.NoError(t, c.Reset("relaxed"))
	assert.Equal(t, "relaxed", c.Active().Name)

	// Drain escalation events, then check the reset event
	var last *ProfileChange
	for {
		select {
		case change := <-c.Events():
			last = change
			continue
		default:
		}
		break
	}
	require.NotNil(t, last)
	assert.Equal(t, "strict", last.From)
	assert.Equal(t, "relaxed", last.To)
	assert.False(t, last.Automatic)
}

func newTestCache(t *testing.T) *cache.TieredCache {
	t.Helper()
	config := cache.DefaultTierConfig()
	config.SweepInterval = 0
	tc := cache.NewTieredCache(config, nil, testLogger())
	t.Cleanup(func() { tc.Close() })
	return tc
}

func TestEvaluateEscalatesEarlierWhenCacheUnhealthy(t *testing.T) {
	tiered := newTestCache(t)

	config := DefaultControllerConfig()
	config.InitialProfile = "standard"
	c, err := NewController(config, DefaultProfiles(), tiered, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	// 950ms sits under the 1000ms standard target but over the 90%
	// threshold applied while the cache is serving nothing
	feedLatency(c, 950*time.Millisecond, 50)
	c.Evaluate()

	assert.Equal(t, "strict", c.Active().Name)

	select {
	case change := <-c.Events():
		assert.Equal(t, "standard", change.From)
		assert.Equal(t, "strict", change.To)
		assert.Equal(t, string(cache.HealthUnhealthy), change.CacheHealth)
		assert.Zero(t, change.CacheHitRate)
	default:
		t.Fatal("expected a profile change event")
	}
}

func TestEvaluateHealthyCacheUsesPlainTarget(t *testing.T) {
	tiered := newTestCache(t)

	// Health averages per-namespace hit rates, so every namespace needs
	// traffic to read healthy
	ctx := context.Background()
	for _, ns := range cache.AllNamespaces {
		tiered.Set(ctx, ns, "hot", []byte("v"))
		for i := 0; i < 10; i++ {
			_, ok := tiered.Get(ctx, ns, "hot")
			require.True(t, ok)
		}
	}

	config := DefaultControllerConfig()
	config.InitialProfile = "standard"
	c, err := NewController(config, DefaultProfiles(), tiered, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	feedLatency(c, 950*time.Millisecond, 50)
	c.Evaluate()

	assert.Equal(t, "standard", c.Active().Name)
}

func TestResetUnknownProfile(t *testing.T) {
	c := newTestController(t)
	err := c.Reset("turbo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestP95(t *testing.T) {
	c := newTestController(t)

	assert.Equal(t, time.Duration(0), c.P95())

	// 95 fast samples and 5 slow ones: the p95 lands on the slow tail
	feedLatency(c, 100*time.Millisecond, 95)
	feedLatency(c, 900*time.Millisecond, 5)
	assert.Equal(t, 900*time.Millisecond, c.P95())
}

func TestP95WindowSlides(t *testing.T) {
	config := DefaultControllerConfig()
	config.SampleWindow = 10
	c, err := NewController(config, DefaultProfiles(), nil, testLogger())
	require.NoError(t, err)
	defer c.Stop()

	feedLatency(c, 2*time.Second, 10)
	require.Equal(t, 2*time.Second, c.P95())

	// Old samples fall out of the ring as new ones arrive
	feedLatency(c, 50*time.Millisecond, 10)
	assert.Equal(t, 50*time.Millisecond, c.P95())
}

func TestLikelyIntentsOrdering(t *testing.T) {
	c := newTestController(t)

	for i := 0; i < 5; i++ {
		c.RecordIntent("sales_pitch")
	}
	for i := 0; i < 3; i++ {
		c.RecordIntent("decline")
	}
	c.RecordIntent("farewell")
	c.RecordIntent("unknown")
	c.RecordIntent("")

	assert.Equal(t, []string{"sales_pitch", "decline", "farewell"}, c.LikelyIntents(5))
	assert.Equal(t, []string{"sales_pitch"}, c.LikelyIntents(1))
	assert.Empty(t, newTestController(t).LikelyIntents(5))
}

func TestTargetFor(t *testing.T) {
	strict := DefaultProfiles()[2]
	require.Equal(t, "strict", strict.Name)

	assert.Equal(t, 250*time.Millisecond, strict.TargetFor("speech_to_text"))
	assert.Equal(t, 100*time.Millisecond, strict.TargetFor("intent_recognition"))
	assert.Equal(t, 50*time.Millisecond, strict.TargetFor("delivery"))
	assert.Equal(t, 800*time.Millisecond, strict.TargetFor("preprocessing"), "unknown stages fall back to the total target")
}
