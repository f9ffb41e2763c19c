package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/database/mock"
)

func TestEnrollmentsHandler_Enroll(t *testing.T) {
	store := mock.NewMockEnrollmentStore()
	h := NewEnrollmentsHandler(store, nil, testRegistry(t), nopLogger)

	rec := httptest.NewRecorder()
	h.Enroll(rec, jsonRequest(t, "POST", "/api/v1/enrollments", EnrollRequest{
		IdentityID: " alice ",
		ModelID:    "arcface",
		Vector:     []float32{1, 0, 0},
		Quality:    0.9,
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	recs, err := store.GetByIdentity(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetByIdentity() error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want 1", len(recs))
	}
}

func TestEnrollmentsHandler_EnrollRejects(t *testing.T) {
	tests := []struct {
		name string
		req  EnrollRequest
	}{
		{"missing identity", EnrollRequest{ModelID: "arcface", Vector: []float32{1, 0, 0}}},
		{"missing vector", EnrollRequest{IdentityID: "alice", ModelID: "arcface"}},
		{"unknown model", EnrollRequest{IdentityID: "alice", ModelID: "vgg", Vector: []float32{1, 0, 0}}},
		{"wrong dim", EnrollRequest{IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0}}},
		{"quality out of range", EnrollRequest{IdentityID: "alice", ModelID: "arcface", Vector: []float32{1, 0, 0}, Quality: 1.5}},
	}

	h := NewEnrollmentsHandler(mock.NewMockEnrollmentStore(), nil, testRegistry(t), nopLogger)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Enroll(rec, jsonRequest(t, "POST", "/api/v1/enrollments", tt.req))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestEnrollmentsHandler_ListAndDelete(t *testing.T) {
	store := mock.NewMockEnrollmentStore()
	ctx := context.Background()
	for _, model := range []string{"arcface", "facenet"} {
		if _, err := store.Save(ctx, &database.EmbeddingRecord{IdentityID: "bob", ModelID: model, Vector: []float32{0, 1, 0}, Quality: 1}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	h := NewEnrollmentsHandler(store, nil, testRegistry(t), nopLogger)

	rec := httptest.NewRecorder()
	h.ListByIdentity(rec, requestWithChiParams(httptest.NewRequest("GET", "/api/v1/identities/bob/enrollments", nil), map[string]string{"id": "bob"}))
	var list []EnrollmentResponse
	decodeBody(t, rec, &list)
	if len(list) != 2 || list[0].Dim != 3 {
		t.Errorf("list = %+v", list)
	}

	rec = httptest.NewRecorder()
	h.DeleteIdentity(rec, requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/identities/bob", nil), map[string]string{"id": "bob"}))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.DeleteIdentity(rec, requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/identities/bob", nil), map[string]string{"id": "bob"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

type fakeRebuilder struct {
	enabled  bool
	rebuilt  int
	saved    int
	hnswSize int
}

func (f *fakeRebuilder) RebuildHNSW(ctx context.Context, modelIDs []string) error {
	f.rebuilt++
	return nil
}
func (f *fakeRebuilder) HNSWCount() int      { return f.hnswSize }
func (f *fakeRebuilder) IsHNSWEnabled() bool { return f.enabled }
func (f *fakeRebuilder) SaveHNSWIndex() error {
	f.saved++
	return nil
}

func TestEnrollmentsHandler_RebuildIndex(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := NewEnrollmentsHandler(nil, &fakeRebuilder{}, testRegistry(t), nopLogger)
		rec := httptest.NewRecorder()
		h.RebuildIndex(rec, httptest.NewRequest("POST", "/api/v1/index/rebuild", nil))
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		rb := &fakeRebuilder{enabled: true, hnswSize: 12}
		h := NewEnrollmentsHandler(nil, rb, testRegistry(t), nopLogger)
		rec := httptest.NewRecorder()
		h.RebuildIndex(rec, httptest.NewRequest("POST", "/api/v1/index/rebuild", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if rb.rebuilt != 1 || rb.saved != 1 {
			t.Errorf("rebuilt = %d, saved = %d", rb.rebuilt, rb.saved)
		}
	})
}

func TestEnrollmentsHandler_Status(t *testing.T) {
	store := mock.NewMockEnrollmentStore()
	store.Save(context.Background(), &database.EmbeddingRecord{IdentityID: "a", ModelID: "arcface", Vector: []float32{1, 0, 0}, Quality: 1})
	h := NewEnrollmentsHandler(store, &fakeRebuilder{enabled: true, hnswSize: 1}, testRegistry(t), nopLogger)

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest("GET", "/api/v1/status", nil))

	var resp StatusResponse
	decodeBody(t, rec, &resp)
	if !resp.Database || resp.Enrollments != 1 || !resp.HNSWEnabled || resp.ActiveVersion != "v1" {
		t.Errorf("resp = %+v", resp)
	}
}
