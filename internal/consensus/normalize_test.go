package consensus

import (
	"math"
	"testing"

	"github.com/kozaktomas/idverify/internal/ensemble"
	"github.com/stretchr/testify/assert"
)

func TestNormalize_Clips(t *testing.T) {
	n := ensemble.Normalization{ClipMin: 0, ClipMax: 1}
	assert.Equal(t, 0.0, Normalize(-0.4, n))
	assert.Equal(t, 1.0, Normalize(1.3, n))
	assert.Equal(t, 0.42, Normalize(0.42, n))
}

func TestNormalize_Sigmoid(t *testing.T) {
	n := ensemble.Normalization{ClipMin: -1, ClipMax: 1, ApplySigmoid: true}
	assert.InDelta(t, 0.5, Normalize(0, n), 1e-12)
	assert.InDelta(t, 1/(1+math.Exp(-1)), Normalize(5, n), 1e-12)
}

func TestCalibrate(t *testing.T) {
	c := ensemble.Calibration{Enabled: true, Shift: 0.1, Temperature: 2}
	assert.InDelta(t, 0.35, Calibrate(0.6, c), 1e-12)

	c.Enabled = false
	assert.Equal(t, 0.6, Calibrate(0.6, c))
}

func TestScore_Monotonic(t *testing.T) {
	norms := []ensemble.Normalization{
		{ClipMin: -1, ClipMax: 1},
		{ClipMin: 0, ClipMax: 0.9, ApplySigmoid: true},
	}
	cals := []ensemble.Calibration{
		{},
		{Enabled: true, Shift: -0.2, Temperature: 0.5},
		{Enabled: true, Shift: 0.3, Temperature: 3},
	}

	for _, n := range norms {
		for _, c := range cals {
			model := ensemble.ModelProfile{Calibration: c}
			prev := math.Inf(-1)
			for raw := -1.5; raw <= 1.5; raw += 0.01 {
				got := Score(raw, model, n)
				assert.GreaterOrEqual(t, got, prev, "raw=%f norm=%+v cal=%+v", raw, n, c)
				prev = got
			}
		}
	}
}
