// Package ensemble holds the versioned, validated configuration consumed by the
// consensus engine. A Config is immutable once activated; callers swap whole
// snapshots through a Registry instead of mutating fields in place.
package ensemble

import (
	"slices"
	"time"
)

// Strategy selects how per-model candidates are combined into one winner.
type Strategy string

const (
	StrategySimple    Strategy = "simple"
	StrategyWeighted  Strategy = "weighted"
	StrategyUnanimous Strategy = "unanimous"
)

// Escalation selects when the cascade leaves the fast path.
type Escalation string

const (
	// EscalateOnLowConfidence runs the fast-path model first and escalates only
	// when its result is abstained, ambiguous or below high confidence.
	EscalateOnLowConfidence Escalation = "confidence"
	// EscalateAlways skips the fast path and runs every enabled model.
	EscalateAlways Escalation = "always"
)

// WeightEpsilon is the tolerance for the weighted-strategy weight sum.
const WeightEpsilon = 1e-6

// DefaultTemperature is used when a document omits the calibration temperature.
const DefaultTemperature = 1.0

// Calibration is the per-model affine rescaling applied after normalization.
type Calibration struct {
	Enabled     bool    `json:"enabled"`
	Shift       float64 `json:"shift"`
	Temperature float64 `json:"temperature"`
}

// ModelProfile describes one embedding model taking part in the ensemble.
type ModelProfile struct {
	ID               string      `json:"id"`
	Dim              int         `json:"dim"`
	Enabled          bool        `json:"enabled"`
	Weight           float64     `json:"weight"`
	MatchThreshold   float64     `json:"match_threshold"`
	QualityThreshold float64     `json:"quality_threshold"`
	Calibration      Calibration `json:"calibration"`
	FastPath         bool        `json:"fast_path"`
	TimeoutMs        int         `json:"timeout_ms,omitempty"` // 0 = application default
}

// Timeout returns the per-model search timeout, falling back to def.
func (m ModelProfile) Timeout(def time.Duration) time.Duration {
	if m.TimeoutMs > 0 {
		return time.Duration(m.TimeoutMs) * time.Millisecond
	}
	return def
}

// Thresholds are the combined-score cut-offs used by the classifier.
type Thresholds struct {
	HighConfidence   float64 `json:"high_confidence"`
	MediumConfidence float64 `json:"medium_confidence"`
	MatchThreshold   float64 `json:"match_threshold"`
}

// Normalization maps raw similarities into a common range before calibration.
type Normalization struct {
	ClipMin      float64 `json:"clip_min"`
	ClipMax      float64 `json:"clip_max"`
	ApplySigmoid bool    `json:"apply_sigmoid"`
}

// CascadeParams configures the fast path.
type CascadeParams struct {
	FastPathModel string     `json:"fast_path_model,omitempty"`
	Escalation    Escalation `json:"escalation,omitempty"`
}

// Config is one version of the ensemble configuration.
type Config struct {
	Version               string         `json:"version"`
	Models                []ModelProfile `json:"models"`
	Strategy              Strategy       `json:"strategy"`
	MinimumConsensus      int            `json:"minimum_consensus"`
	Thresholds            Thresholds     `json:"thresholds"`
	Normalization         Normalization  `json:"normalization"`
	AmbiguityGapThreshold float64        `json:"ambiguity_gap_threshold"`
	Cascade               CascadeParams  `json:"cascade"`
}

// Clone returns a deep copy so the registry never shares slices with callers.
func (c *Config) Clone() *Config {
	out := *c
	out.Models = slices.Clone(c.Models)
	return &out
}

// EnabledModels returns the enabled profiles in configured priority order.
func (c *Config) EnabledModels() []ModelProfile {
	out := make([]ModelProfile, 0, len(c.Models))
	for _, m := range c.Models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Model looks up a profile by id.
func (c *Config) Model(id string) (ModelProfile, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelProfile{}, false
}

// Priority returns the position of a model among enabled models, or -1.
// Lower is higher priority; it is the last tie-breaker when voting.
func (c *Config) Priority(id string) int {
	i := 0
	for _, m := range c.Models {
		if !m.Enabled {
			continue
		}
		if m.ID == id {
			return i
		}
		i++
	}
	return -1
}

// FastPathProfile returns the fast-path model when the cascade is active.
func (c *Config) FastPathProfile() (ModelProfile, bool) {
	if c.Cascade.FastPathModel == "" || c.EscalationRule() == EscalateAlways {
		return ModelProfile{}, false
	}
	m, ok := c.Model(c.Cascade.FastPathModel)
	if !ok || !m.Enabled {
		return ModelProfile{}, false
	}
	return m, true
}

// EscalationRule returns the configured rule, defaulting to EscalateOnLowConfidence.
func (c *Config) EscalationRule() Escalation {
	if c.Cascade.Escalation == "" {
		return EscalateOnLowConfidence
	}
	return c.Cascade.Escalation
}
