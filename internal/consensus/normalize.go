package consensus

import (
	"math"

	"github.com/kozaktomas/idverify/internal/ensemble"
)

// Normalize clips a raw similarity into [ClipMin, ClipMax] and optionally
// squashes it with the logistic function.
func Normalize(raw float64, n ensemble.Normalization) float64 {
	x := math.Min(math.Max(raw, n.ClipMin), n.ClipMax)
	if n.ApplySigmoid {
		x = 1 / (1 + math.Exp(-x))
	}
	return x
}

// Calibrate applies the per-model shift and temperature. Temperature is
// positive for every activated config.
func Calibrate(x float64, c ensemble.Calibration) float64 {
	if !c.Enabled {
		return x
	}
	return (x + c.Shift) / c.Temperature
}

// Score maps a raw similarity of one model onto the cross-model scale.
func Score(raw float64, model ensemble.ModelProfile, n ensemble.Normalization) float64 {
	return Calibrate(Normalize(raw, n), model.Calibration)
}
