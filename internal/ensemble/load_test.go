package ensemble

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: "2026-10-01"
strategy: weighted
minimum_consensus: 2
ambiguity_gap_threshold: 0.12
thresholds:
  high_confidence: 0.8
  medium_confidence: 0.65
  match_threshold: 0.5
normalization:
  clip_min: -1
  clip_max: 1
  apply_sigmoid: false
cascade:
  fast_path_model: arcface
models:
  - id: arcface
    dim: 512
    enabled: true
    weight: 0.35
    match_threshold: 0.5
    fast_path: true
    calibration:
      enabled: true
      shift: 0.05
      temperature: 1.1
  - id: facenet
    dim: 128
    enabled: true
    weight: 0.35
    match_threshold: 0.5
    timeout_ms: 300
  - id: adaface
    dim: 512
    enabled: true
    weight: 0.30
    match_threshold: 0.5
`

const sampleTOML = `
version = "2026-10-02"
strategy = "unanimous"
minimum_consensus = 1

[thresholds]
high_confidence = 0.8
medium_confidence = 0.6
match_threshold = 0.5

[normalization]
clip_min = 0.0
clip_max = 1.0

[[models]]
id = "arcface"
dim = 512
enabled = true
match_threshold = 0.4
`

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "2026-10-01", cfg.Version)
	assert.Equal(t, StrategyWeighted, cfg.Strategy)
	require.Len(t, cfg.Models, 3)
	assert.True(t, cfg.Models[0].FastPath)
	assert.InDelta(t, 1.1, cfg.Models[0].Calibration.Temperature, 1e-9)
	assert.Equal(t, 300, cfg.Models[1].TimeoutMs)
	assert.Equal(t, "arcface", cfg.Cascade.FastPathModel)
	assert.Equal(t, EscalateOnLowConfidence, cfg.EscalationRule())
}

func TestParse_TOML(t *testing.T) {
	cfg, err := Parse([]byte(sampleTOML), FormatTOML)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, StrategyUnanimous, cfg.Strategy)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, 512, cfg.Models[0].Dim)
}

func TestParse_OmittedTemperatureDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)
	assert.InDelta(t, 1.1, cfg.Models[0].Calibration.Temperature, 1e-9)
	assert.Equal(t, DefaultTemperature, cfg.Models[1].Calibration.Temperature)
	assert.Equal(t, DefaultTemperature, cfg.Models[2].Calibration.Temperature)
}

func TestParse_NonPositiveTemperatureRejected(t *testing.T) {
	for _, temp := range []string{"0", "-3"} {
		doc := `{"version": "v1", "strategy": "simple", "minimum_consensus": 1,
			"models": [{"id": "a", "dim": 4, "enabled": true, "calibration": {"enabled": false, "temperature": ` + temp + `}}],
			"thresholds": {"high_confidence": 0.8, "medium_confidence": 0.6, "match_threshold": 0.5},
			"normalization": {"clip_min": 0, "clip_max": 1}}`

		_, err := Parse([]byte(doc), FormatJSON)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "temperature %s", temp)
	}
}

func TestParse_SchemaViolation(t *testing.T) {
	doc := `{"version": "v1", "strategy": "majority", "minimum_consensus": 1,
		"models": [{"id": "a", "dim": 4, "enabled": true}],
		"thresholds": {"high_confidence": 0.8, "medium_confidence": 0.6, "match_threshold": 0.5},
		"normalization": {"clip_min": 0, "clip_max": 1}}`

	_, err := Parse([]byte(doc), FormatJSON)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "v1", verr.Version)
	assert.NotEmpty(t, verr.Problems)
}

func TestParse_UnknownField(t *testing.T) {
	doc := `{"version": "v1", "strategy": "simple", "minimum_consensus": 1, "extra": true,
		"models": [{"id": "a", "dim": 4, "enabled": true}],
		"thresholds": {"high_confidence": 0.8, "medium_confidence": 0.6, "match_threshold": 0.5},
		"normalization": {"clip_min": 0, "clip_max": 1}}`

	_, err := Parse([]byte(doc), FormatJSON)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("version: [unterminated"), FormatYAML)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidConfig))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-01", cfg.Version)

	_, err = LoadFile(filepath.Join(dir, "ensemble.ini"))
	assert.Error(t, err)
}

func TestMarshal_RoundTripsThroughEveryFormat(t *testing.T) {
	original, err := Parse([]byte(sampleYAML), FormatYAML)
	require.NoError(t, err)

	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Marshal(original, format)
			require.NoError(t, err)

			decoded, err := Parse(data, format)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"a.yaml": FormatYAML,
		"a.YML":  FormatYAML,
		"a.toml": FormatTOML,
		"a.json": FormatJSON,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}
