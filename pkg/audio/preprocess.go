package audio

import (
	"math"
	"sync"
)

// PreprocessConfig configures the chunk preprocessor
type PreprocessConfig struct {
	// EnergyThreshold is the RMS energy above which speech is assumed
	EnergyThreshold float64

	// HoldFrames keeps voice detection active after energy drops
	HoldFrames int

	// TargetGain normalizes chunk amplitude toward this RMS level
	TargetGain float64

	// NoiseFloorAlpha smooths the adaptive noise floor estimate
	NoiseFloorAlpha float64
}

// DefaultPreprocessConfig returns defaults tuned for 16-bit PCM telephony audio
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		EnergyThreshold: 0.02,
		HoldFrames:      3,
		TargetGain:      0.1,
		NoiseFloorAlpha: 0.95,
	}
}

// Preprocessor performs voice-activity detection, noise floor tracking and
// gain normalization on inbound audio chunks
type Preprocessor struct {
	config PreprocessConfig

	mu          sync.Mutex
	noiseFloor  float64
	holdCounter int
	voiceActive bool
}

// PreprocessResult is the outcome of preprocessing one chunk
type PreprocessResult struct {
	SpeechDetected bool
	Energy         float64
	NoiseFloor     float64
	Audio          []byte
}

// NewPreprocessor creates a new chunk preprocessor
func NewPreprocessor(config PreprocessConfig) *Preprocessor {
	return &Preprocessor{
		config:     config,
		noiseFloor: 0.01, // initial estimate
	}
}

// Process runs VAD and gain normalization over one 16-bit PCM chunk.
// Non-PCM payloads degrade gracefully: an empty or sub-sample payload
// reports no speech.
func (p *Preprocessor) Process(payload []byte) *PreprocessResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	energy := rmsEnergy(payload)

	// Track the noise floor only while no speech is assumed
	if energy < p.config.EnergyThreshold {
		p.noiseFloor = p.noiseFloor*p.config.NoiseFloorAlpha + energy*(1-p.config.NoiseFloorAlpha)
	}

	threshold := math.Max(p.config.EnergyThreshold, p.noiseFloor*3)
	if energy >= threshold {
		p.voiceActive = true
		p.holdCounter = p.config.HoldFrames
	} else if p.holdCounter > 0 {
		p.holdCounter--
	} else {
		p.voiceActive = false
	}

	result := &PreprocessResult{
		SpeechDetected: p.voiceActive,
		Energy:         energy,
		NoiseFloor:     p.noiseFloor,
		Audio:          payload,
	}

	// Boost quiet speech toward the target level; hot signal passes through
	if p.voiceActive && energy > 0 && energy < p.config.TargetGain {
		result.Audio = applyGain(payload, p.config.TargetGain/energy)
	}

	return result
}

// rmsEnergy computes normalized RMS energy of 16-bit little-endian PCM
func rmsEnergy(payload []byte) float64 {
	sampleCount := len(payload) / 2
	if sampleCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(payload); i += 2 {
		sample := int16(payload[i]) | int16(payload[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(sampleCount))
}

// applyGain scales PCM samples, clamping at the int16 range
func applyGain(payload []byte, gain float64) []byte {
	if gain <= 0 || gain == 1 {
		return payload
	}
	// Cap amplification to avoid blowing up near-silence
	if gain > 4 {
		gain = 4
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	for i := 0; i+1 < len(out); i += 2 {
		sample := float64(int16(out[i])|int16(out[i+1])<<8) * gain
		if sample > 32767 {
			sample = 32767
		} else if sample < -32768 {
			sample = -32768
		}
		v := int16(sample)
		out[i] = byte(v)
		out[i+1] = byte(v >> 8)
	}
	return out
}
