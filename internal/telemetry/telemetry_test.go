package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("loud", true)
	assert.Error(t, err)
}

func TestMetrics_ObserveDecision(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	m.ObserveDecision(ctx, &consensus.ConsensusResult{
		Outcome:        consensus.OutcomeVerifiedHigh,
		Strategy:       "weighted",
		ConfigVersion:  "v1",
		WinnerID:       "alice",
		ConsensusCount: 1,
		CombinedScore:  0.91,
		FastPathUsed:   true,
		DurationMs:     12,
		Candidates:     []consensus.MatchCandidate{{ModelID: "arcface", IdentityID: "alice"}},
	})
	m.ObserveDecision(ctx, &consensus.ConsensusResult{
		Outcome:       consensus.OutcomeFlagged,
		Strategy:      "weighted",
		ConfigVersion: "v1",
		WinnerID:      "alice",
		Escalated:     true,
		Ambiguous:     true,
		Candidates: []consensus.MatchCandidate{
			{ModelID: "arcface", IdentityID: "alice"},
			{ModelID: "facenet", Abstained: true, AbstainReason: consensus.AbstainTimeout},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("VERIFIED_HIGH", "weighted", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("FLAGGED", "weighted", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FastPath.WithLabelValues("v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ambiguous.WithLabelValues("v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Abstentions.WithLabelValues("facenet", "timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Abstentions))
}

func TestMetrics_ActiveVersionAndHandler(t *testing.T) {
	m := NewMetrics(nil)
	m.SetActiveVersion("v1")
	m.SetActiveVersion("v2")
	assert.Equal(t, 1, testutil.CollectAndCount(m.ActiveVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveVersion.WithLabelValues("v2")))

	m.AuditDropped.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "idverify_audit_dropped_total 1")
	assert.Contains(t, string(body), `idverify_active_config{config_version="v2"} 1`)
}
