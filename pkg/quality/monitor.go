package quality

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/metrics"
)

// CallQualityMetrics is one append-only quality sample for a call
type CallQualityMetrics struct {
	CallID          string        `json:"call_id"`
	Timestamp       time.Time     `json:"timestamp"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsReceived uint64        `json:"packets_received"`
	AudioQuality    float64       `json:"audio_quality"` // 0..1
	Latency         time.Duration `json:"latency"`
	Jitter          time.Duration `json:"jitter"`
	PacketLossPct   float64       `json:"packet_loss_pct"`
}

// Thresholds are the fixed acceptable bounds for call quality
type Thresholds struct {
	MinAudioQuality  float64
	MaxLatency       time.Duration
	MaxJitter        time.Duration
	MaxPacketLossPct float64
}

// DefaultThresholds returns the standard quality bounds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAudioQuality:  0.5,
		MaxLatency:       200 * time.Millisecond,
		MaxJitter:        50 * time.Millisecond,
		MaxPacketLossPct: 5.0,
	}
}

// Breach describes one metric crossing its threshold
type Breach struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Alert is raised when a sample breaches one or more thresholds. Alerts are
// informational; no call action is taken automatically.
type Alert struct {
	ID        string    `json:"id"`
	CallID    string    `json:"call_id"`
	Breaches  []Breach  `json:"breaches"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor ingests call quality samples and raises rate-limited threshold
// alerts on a subscription channel
type Monitor struct {
	logger     *logrus.Entry
	thresholds Thresholds
	cooldown   time.Duration
	window     int

	mu        sync.Mutex
	samples   map[string][]*CallQualityMetrics
	lastAlert map[string]time.Time // call_id + metric -> last alert time

	alerts chan *Alert
}

// NewMonitor creates a quality monitor. window bounds per-call retained
// samples; cooldown rate-limits repeat alerts for the same ongoing condition.
func NewMonitor(thresholds Thresholds, window int, cooldown time.Duration, logger *logrus.Logger) *Monitor {
	if window <= 0 {
		window = 100
	}
	return &Monitor{
		logger:     logger.WithField("component", "quality_monitor"),
		thresholds: thresholds,
		cooldown:   cooldown,
		window:     window,
		samples:    make(map[string][]*CallQualityMetrics),
		lastAlert:  make(map[string]time.Time),
		alerts:     make(chan *Alert, 64),
	}
}

// Alerts exposes the alert subscription channel
func (m *Monitor) Alerts() <-chan *Alert {
	return m.alerts
}

// Ingest appends a sample for its call and evaluates thresholds
func (m *Monitor) Ingest(sample *CallQualityMetrics) {
	if sample == nil || sample.CallID == "" {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	if metrics.Enabled() {
		metrics.QualitySamples.Inc()
	}

	m.mu.Lock()
	ring := append(m.samples[sample.CallID], sample)
	if len(ring) > m.window {
		ring = ring[len(ring)-m.window:]
	}
	m.samples[sample.CallID] = ring
	m.mu.Unlock()

	m.evaluate(sample)
}

// Samples returns the retained samples for a call
func (m *Monitor) Samples(callID string) []*CallQualityMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := m.samples[callID]
	out := make([]*CallQualityMetrics, len(ring))
	copy(out, ring)
	return out
}

// Forget drops retained samples and alert state for an ended call
func (m *Monitor) Forget(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.samples, callID)
	for key := range m.lastAlert {
		if len(key) > len(callID) && key[:len(callID)] == callID {
			delete(m.lastAlert, key)
		}
	}
}

func (m *Monitor) evaluate(sample *CallQualityMetrics) {
	var breaches []Breach

	if sample.AudioQuality < m.thresholds.MinAudioQuality {
		breaches = append(breaches, Breach{
			Metric: "audio_quality", Value: sample.AudioQuality, Threshold: m.thresholds.MinAudioQuality,
		})
	}
	if sample.Latency > m.thresholds.MaxLatency {
		breaches = append(breaches, Breach{
			Metric: "latency_ms", Value: float64(sample.Latency.Milliseconds()), Threshold: float64(m.thresholds.MaxLatency.Milliseconds()),
		})
	}
	if sample.Jitter > m.thresholds.MaxJitter {
		breaches = append(breaches, Breach{
			Metric: "jitter_ms", Value: float64(sample.Jitter.Milliseconds()), Threshold: float64(m.thresholds.MaxJitter.Milliseconds()),
		})
	}
	if sample.PacketLossPct > m.thresholds.MaxPacketLossPct {
		breaches = append(breaches, Breach{
			Metric: "packet_loss_pct", Value: sample.PacketLossPct, Threshold: m.thresholds.MaxPacketLossPct,
		})
	}

	if len(breaches) == 0 {
		return
	}

	// Rate-limit per call+metric so an ongoing condition alerts once per
	// cooldown window
	now := time.Now()
	var fresh []Breach
	m.mu.Lock()
	for _, breach := range breaches {
		key := sample.CallID + ":" + breach.Metric
		if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.cooldown {
			continue
		}
		m.lastAlert[key] = now
		fresh = append(fresh, breach)
	}
	m.mu.Unlock()

	if len(fresh) == 0 {
		return
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		CallID:    sample.CallID,
		Breaches:  fresh,
		Timestamp: now,
	}

	for _, breach := range fresh {
		if metrics.Enabled() {
			metrics.QualityAlerts.WithLabelValues(breach.Metric).Inc()
		}
	}

	m.logger.WithFields(logrus.Fields{
		"call_id":  sample.CallID,
		"breaches": len(fresh),
	}).Warn("Call quality threshold breach")

	select {
	case m.alerts <- alert:
	default:
		m.logger.Warn("Alert channel full, dropping quality alert")
	}
}
