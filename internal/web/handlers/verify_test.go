package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database/mock"
	"github.com/kozaktomas/idverify/internal/ensemble"
)

func probeBody(scope []string, groupID string) map[string]any {
	body := map[string]any{
		"request_id": "req-42",
		"vectors": map[string][]float32{
			"arcface": {1, 0, 0},
			"facenet": {0, 1, 0},
		},
		"scope": scope,
	}
	if groupID != "" {
		body["group_id"] = groupID
	}
	return body
}

func TestVerifyHandler_FastPath(t *testing.T) {
	searcher := mock.NewMockSearcher()
	searcher.SetNeighbors("arcface", mock.Hit{IdentityID: "alice", Similarity: 0.93, Quality: 1})

	h := NewVerifyHandler(testEngine(testRegistry(t), searcher), nil, time.Second, nopLogger)
	rec := httptest.NewRecorder()
	h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody([]string{"alice", "bob"}, "")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res consensus.ConsensusResult
	decodeBody(t, rec, &res)

	if res.Outcome != consensus.OutcomeVerifiedHigh {
		t.Errorf("Outcome = %s, want VERIFIED_HIGH", res.Outcome)
	}
	if res.WinnerID != "alice" {
		t.Errorf("WinnerID = %q, want alice", res.WinnerID)
	}
	if !res.FastPathUsed {
		t.Error("expected fast path")
	}
	if res.RequestID != "req-42" {
		t.Errorf("RequestID = %q", res.RequestID)
	}
	if searcher.Calls("facenet") != 0 {
		t.Error("facenet should not run on an accepted fast path")
	}
}

func TestVerifyHandler_GroupScope(t *testing.T) {
	searcher := mock.NewMockSearcher()
	searcher.SetNeighbors("arcface", mock.Hit{IdentityID: "carol", Similarity: 0.95, Quality: 1})

	scopes := &mock.MockScopeResolver{Groups: map[string][]string{"bus-7": {"carol", "dave"}}}
	h := NewVerifyHandler(testEngine(testRegistry(t), searcher), scopes, time.Second, nopLogger)

	rec := httptest.NewRecorder()
	h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody(nil, "bus-7")))

	var res consensus.ConsensusResult
	decodeBody(t, rec, &res)
	if res.WinnerID != "carol" {
		t.Errorf("WinnerID = %q, want carol", res.WinnerID)
	}
}

func TestVerifyHandler_GroupErrors(t *testing.T) {
	searcher := mock.NewMockSearcher()

	t.Run("no resolver", func(t *testing.T) {
		h := NewVerifyHandler(testEngine(testRegistry(t), searcher), nil, time.Second, nopLogger)
		rec := httptest.NewRecorder()
		h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody(nil, "bus-7")))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("resolver failure", func(t *testing.T) {
		scopes := &mock.MockScopeResolver{ResolveError: errors.New("roster offline")}
		h := NewVerifyHandler(testEngine(testRegistry(t), searcher), scopes, time.Second, nopLogger)
		rec := httptest.NewRecorder()
		h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody(nil, "bus-7")))
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	})
}

func TestVerifyHandler_EmptyScopeFails(t *testing.T) {
	searcher := mock.NewMockSearcher()
	h := NewVerifyHandler(testEngine(testRegistry(t), searcher), nil, time.Second, nopLogger)

	rec := httptest.NewRecorder()
	h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody(nil, "")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res consensus.ConsensusResult
	decodeBody(t, rec, &res)
	if res.Outcome != consensus.OutcomeFailed {
		t.Errorf("Outcome = %s, want FAILED", res.Outcome)
	}
	if searcher.TotalCalls() != 0 {
		t.Errorf("searcher called %d times", searcher.TotalCalls())
	}
}

func TestVerifyHandler_NoActiveConfig(t *testing.T) {
	engine := consensus.NewEngine(ensemble.NewRegistry(nil), mock.NewMockSearcher(), time.Second)
	h := NewVerifyHandler(engine, nil, time.Second, nopLogger)

	rec := httptest.NewRecorder()
	h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody([]string{"alice"}, "")))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestVerifyHandler_InvalidBody(t *testing.T) {
	h := NewVerifyHandler(testEngine(testRegistry(t), mock.NewMockSearcher()), nil, time.Second, nopLogger)

	rec := httptest.NewRecorder()
	h.Verify(rec, httptest.NewRequest("POST", "/api/v1/verify", strings.NewReader("{not json")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

type stubVerifier struct {
	err error
}

func (s stubVerifier) Verify(ctx context.Context, req consensus.ProbeRequest) (*consensus.ConsensusResult, error) {
	return nil, s.err
}

func TestVerifyHandler_EngineErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		h := NewVerifyHandler(stubVerifier{err: tt.err}, nil, time.Second, nopLogger)
		rec := httptest.NewRecorder()
		h.Verify(rec, jsonRequest(t, "POST", "/api/v1/verify", probeBody([]string{"alice"}, "")))
		if rec.Code != tt.want {
			t.Errorf("err %v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}
