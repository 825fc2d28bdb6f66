package optimizer

import (
	"time"
)

// StageTargets holds per-stage latency targets for one profile
type StageTargets struct {
	SpeechToText time.Duration `json:"speech_to_text"`
	Intent       time.Duration `json:"intent"`
	Generation   time.Duration `json:"generation"`
	Synthesis    time.Duration `json:"synthesis"`
	Network      time.Duration `json:"network"`
	Total        time.Duration `json:"total"`
}

// CacheAggressiveness controls how eagerly the pipeline caches and probes
type CacheAggressiveness string

const (
	CacheConservative CacheAggressiveness = "conservative"
	CacheBalanced     CacheAggressiveness = "balanced"
	CacheAggressive   CacheAggressiveness = "aggressive"
)

// ParallelMode controls intra-chunk stage overlap
type ParallelMode string

const (
	ParallelSequential ParallelMode = "sequential"
	ParallelOverlap    ParallelMode = "overlap"
)

// Profile is an immutable bundle of latency targets and pipeline policy.
// Exactly one profile is active process-wide at a time; treat instances as
// read-only snapshots.
type Profile struct {
	Name                string              `json:"name"`
	Level               int                 `json:"level"` // higher is stricter
	Targets             StageTargets        `json:"targets"`
	CacheAggressiveness CacheAggressiveness `json:"cache_aggressiveness"`
	Parallelization     ParallelMode        `json:"parallelization"`
	CompressAudio       bool                `json:"compress_audio"`
	PrefetchEnabled     bool                `json:"prefetch_enabled"`
}

// DefaultProfiles returns the ordered profile ladder, loosest first
func DefaultProfiles() []*Profile {
	return []*Profile{
		{
			Name:  "relaxed",
			Level: 0,
			Targets: StageTargets{
				SpeechToText: 400 * time.Millisecond,
				Intent:       250 * time.Millisecond,
				Generation:   450 * time.Millisecond,
				Synthesis:    300 * time.Millisecond,
				Network:      100 * time.Millisecond,
				Total:        1500 * time.Millisecond,
			},
			CacheAggressiveness: CacheConservative,
			Parallelization:     ParallelSequential,
			CompressAudio:       false,
			PrefetchEnabled:     false,
		},
		{
			Name:  "standard",
			Level: 1,
			Targets: StageTargets{
				SpeechToText: 300 * time.Millisecond,
				Intent:       150 * time.Millisecond,
				Generation:   300 * time.Millisecond,
				Synthesis:    200 * time.Millisecond,
				Network:      50 * time.Millisecond,
				Total:        1000 * time.Millisecond,
			},
			CacheAggressiveness: CacheBalanced,
			Parallelization:     ParallelOverlap,
			CompressAudio:       false,
			PrefetchEnabled:     true,
		},
		{
			Name:  "strict",
			Level: 2,
			Targets: StageTargets{
				SpeechToText: 250 * time.Millisecond,
				Intent:       100 * time.Millisecond,
				Generation:   250 * time.Millisecond,
				Synthesis:    150 * time.Millisecond,
				Network:      50 * time.Millisecond,
				Total:        800 * time.Millisecond,
			},
			CacheAggressiveness: CacheAggressive,
			Parallelization:     ParallelOverlap,
			CompressAudio:       true,
			PrefetchEnabled:     true,
		},
	}
}

// TargetFor returns the latency target for a named stage, or the total
// target when the stage is unknown
func (p *Profile) TargetFor(stage string) time.Duration {
	switch stage {
	case "speech_to_text":
		return p.Targets.SpeechToText
	case "intent_recognition":
		return p.Targets.Intent
	case "response_generation":
		return p.Targets.Generation
	case "speech_synthesis":
		return p.Targets.Synthesis
	case "delivery":
		return p.Targets.Network
	default:
		return p.Targets.Total
	}
}
