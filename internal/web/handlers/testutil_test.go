package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database/mock"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"go.uber.org/zap"
)

// testEnsemble creates a valid two-model config
func testEnsemble(version string) *ensemble.Config {
	return &ensemble.Config{
		Version: version,
		Models: []ensemble.ModelProfile{
			{ID: "arcface", Dim: 3, Enabled: true, Weight: 0.5, MatchThreshold: 0.5, Calibration: ensemble.Calibration{Temperature: 1}, FastPath: true},
			{ID: "facenet", Dim: 3, Enabled: true, Weight: 0.5, MatchThreshold: 0.5, Calibration: ensemble.Calibration{Temperature: 1}},
		},
		Strategy:              ensemble.StrategyWeighted,
		MinimumConsensus:      1,
		Thresholds:            ensemble.Thresholds{HighConfidence: 0.8, MediumConfidence: 0.65, MatchThreshold: 0.5},
		Normalization:         ensemble.Normalization{ClipMin: -1, ClipMax: 1},
		AmbiguityGapThreshold: 0.1,
		Cascade:               ensemble.CascadeParams{FastPathModel: "arcface"},
	}
}

// testRegistry creates a registry with an active config
func testRegistry(t *testing.T) *ensemble.Registry {
	t.Helper()
	reg := ensemble.NewRegistry(nil)
	if err := reg.Activate(context.Background(), testEnsemble("v1")); err != nil {
		t.Fatalf("failed to activate test config: %v", err)
	}
	return reg
}

// testEngine creates an engine over a mock searcher
func testEngine(reg *ensemble.Registry, searcher *mock.MockSearcher) *consensus.Engine {
	return consensus.NewEngine(reg, searcher, time.Second)
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeBody unmarshals a recorder body
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", rec.Body.String(), err)
	}
}

var nopLogger = zap.NewNop()
