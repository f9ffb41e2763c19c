package ensemble

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidConfig is wrapped by every ValidationError.
var ErrInvalidConfig = errors.New("invalid ensemble config")

// ValidationError lists every problem found in a candidate config.
type ValidationError struct {
	Version  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ensemble config %q rejected: %s", e.Version, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks the numeric and structural invariants of a config.
// It returns nil or a *ValidationError.
func Validate(c *Config) error {
	if c == nil {
		return &ValidationError{Problems: []string{"config is nil"}}
	}

	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Version) == "" {
		addf("version is required")
	}

	switch c.Strategy {
	case StrategySimple, StrategyWeighted, StrategyUnanimous:
	default:
		addf("unknown strategy %q", c.Strategy)
	}

	switch c.EscalationRule() {
	case EscalateOnLowConfidence, EscalateAlways:
	default:
		addf("unknown escalation rule %q", c.Cascade.Escalation)
	}

	seen := make(map[string]bool, len(c.Models))
	enabled := 0
	weightSum := 0.0
	fastFlagged := ""
	for i, m := range c.Models {
		if m.ID == "" {
			addf("models[%d]: id is required", i)
		} else if seen[m.ID] {
			addf("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true

		if m.Dim <= 0 {
			addf("model %q: dim must be positive", m.ID)
		}
		if m.Weight < 0 || math.IsNaN(m.Weight) {
			addf("model %q: weight must be non-negative", m.ID)
		}
		if !(m.Calibration.Temperature > 0) {
			addf("model %q: calibration temperature must be positive, got %v", m.ID, m.Calibration.Temperature)
		}
		if m.TimeoutMs < 0 {
			addf("model %q: timeout_ms must not be negative", m.ID)
		}
		if m.FastPath {
			if fastFlagged != "" {
				addf("models %q and %q both flagged as fast path", fastFlagged, m.ID)
			}
			fastFlagged = m.ID
		}
		if m.Enabled {
			enabled++
			weightSum += m.Weight
		}
	}

	if enabled == 0 {
		addf("at least one model must be enabled")
	}

	if c.Strategy == StrategyWeighted && math.Abs(weightSum-1.0) > WeightEpsilon {
		addf("enabled model weights sum to %.6f, want 1.0", weightSum)
	}

	if c.MinimumConsensus < 1 {
		addf("minimum_consensus must be at least 1")
	} else if enabled > 0 && c.MinimumConsensus > enabled {
		addf("minimum_consensus %d exceeds %d enabled models", c.MinimumConsensus, enabled)
	}

	t := c.Thresholds
	if t.HighConfidence < t.MediumConfidence || t.MediumConfidence < t.MatchThreshold {
		addf("thresholds must satisfy high_confidence >= medium_confidence >= match_threshold (got %v, %v, %v)",
			t.HighConfidence, t.MediumConfidence, t.MatchThreshold)
	}

	if c.Normalization.ClipMin >= c.Normalization.ClipMax {
		addf("normalization clip_min %v must be below clip_max %v", c.Normalization.ClipMin, c.Normalization.ClipMax)
	}

	if c.AmbiguityGapThreshold < 0 {
		addf("ambiguity_gap_threshold must not be negative")
	}

	if fp := c.Cascade.FastPathModel; fp != "" {
		m, ok := c.Model(fp)
		switch {
		case !ok:
			addf("fast path model %q is not configured", fp)
		case !m.Enabled:
			addf("fast path model %q is disabled", fp)
		}
		if fastFlagged != "" && fastFlagged != fp {
			addf("model %q is flagged fast path but cascade names %q", fastFlagged, fp)
		}
	} else if fastFlagged != "" {
		addf("model %q is flagged fast path but cascade.fast_path_model is empty", fastFlagged)
	}

	if len(problems) > 0 {
		return &ValidationError{Version: c.Version, Problems: problems}
	}
	return nil
}
