package quality

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func goodSample(callID string) *CallQualityMetrics {
	return &CallQualityMetrics{
		CallID:        callID,
		AudioQuality:  0.9,
		Latency:       80 * time.Millisecond,
		Jitter:        10 * time.Millisecond,
		PacketLossPct: 0.5,
	}
}

func drainAlert(t *testing.T, m *Monitor) *Alert {
	t.Helper()
	select {
	case alert := <-m.Alerts():
		return alert
	default:
		return nil
	}
}

func TestIngestCleanSampleRaisesNoAlert(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	m.Ingest(goodSample("call-1"))

	assert.Nil(t, drainAlert(t, m))
	assert.Len(t, m.Samples("call-1"), 1)
}

func TestIngestBreachRaisesAlert(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	sample := goodSample("call-1")
	sample.AudioQuality = 0.3
	sample.Latency = 350 * time.Millisecond
	m.Ingest(sample)

	alert := drainAlert(t, m)
	require.NotNil(t, alert)
	assert.Equal(t, "call-1", alert.CallID)
	assert.NotEmpty(t, alert.ID)
	require.Len(t, alert.Breaches, 2)

	byMetric := map[string]Breach{}
	for _, b := range alert.Breaches {
		byMetric[b.Metric] = b
	}
	assert.Equal(t, 0.3, byMetric["audio_quality"].Value)
	assert.Equal(t, 0.5, byMetric["audio_quality"].Threshold)
	assert.Equal(t, float64(350), byMetric["latency_ms"].Value)
	assert.Equal(t, float64(200), byMetric["latency_ms"].Threshold)
}

func TestThresholdBoundaries(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	// Values sitting exactly on the bounds are acceptable
	sample := goodSample("call-1")
	sample.AudioQuality = 0.5
	sample.Latency = 200 * time.Millisecond
	sample.Jitter = 50 * time.Millisecond
	sample.PacketLossPct = 5.0
	m.Ingest(sample)

	assert.Nil(t, drainAlert(t, m))
}

func TestAlertCooldownRateLimits(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, 50*time.Millisecond, testLogger())

	bad := func() *CallQualityMetrics {
		s := goodSample("call-1")
		s.PacketLossPct = 12.0
		return s
	}

	m.Ingest(bad())
	require.NotNil(t, drainAlert(t, m))

	// Same ongoing condition inside the cooldown window stays quiet
	m.Ingest(bad())
	m.Ingest(bad())
	assert.Nil(t, drainAlert(t, m))

	time.Sleep(60 * time.Millisecond)
	m.Ingest(bad())
	assert.NotNil(t, drainAlert(t, m), "cooldown expiry re-arms the alert")
}

func TestCooldownIsPerMetric(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	loss := goodSample("call-1")
	loss.PacketLossPct = 12.0
	m.Ingest(loss)
	require.NotNil(t, drainAlert(t, m))

	// A different metric breaching on the same call alerts immediately
	jitter := goodSample("call-1")
	jitter.Jitter = 90 * time.Millisecond
	m.Ingest(jitter)

	alert := drainAlert(t, m)
	require.NotNil(t, alert)
	require.Len(t, alert.Breaches, 1)
	assert.Equal(t, "jitter_ms", alert.Breaches[0].Metric)
}

func TestCooldownIsPerCall(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	for _, callID := range []string{"call-1", "call-2"} {
		s := goodSample(callID)
		s.AudioQuality = 0.1
		m.Ingest(s)

		alert := drainAlert(t, m)
		require.NotNil(t, alert, "call %s should alert independently", callID)
		assert.Equal(t, callID, alert.CallID)
	}
}

func TestSampleWindowBounded(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 3, time.Minute, testLogger())

	for i := 0; i < 5; i++ {
		s := goodSample("call-1")
		s.PacketsSent = uint64(i)
		m.Ingest(s)
	}

	retained := m.Samples("call-1")
	require.Len(t, retained, 3)
	assert.Equal(t, uint64(2), retained[0].PacketsSent)
	assert.Equal(t, uint64(4), retained[2].PacketsSent)
}

func TestForgetClearsStateAndReArmsAlerts(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Hour, testLogger())

	s := goodSample("call-1")
	s.AudioQuality = 0.1
	m.Ingest(s)
	require.NotNil(t, drainAlert(t, m))

	m.Forget("call-1")
	assert.Empty(t, m.Samples("call-1"))

	// The same call id after Forget behaves like a new call
	s2 := goodSample("call-1")
	s2.AudioQuality = 0.1
	m.Ingest(s2)
	assert.NotNil(t, drainAlert(t, m))
}

func TestIngestIgnoresBlankSamples(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), 100, time.Minute, testLogger())

	m.Ingest(nil)
	m.Ingest(&CallQualityMetrics{AudioQuality: 0.1})

	assert.Nil(t, drainAlert(t, m))
}
