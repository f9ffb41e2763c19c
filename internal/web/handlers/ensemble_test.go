package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/idverify/internal/ensemble"
)

func TestEnsembleHandler_Get(t *testing.T) {
	h := NewEnsembleHandler(testRegistry(t), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest("GET", "/api/v1/ensemble", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var cfg ensemble.Config
	decodeBody(t, rec, &cfg)
	if cfg.Version != "v1" {
		t.Errorf("Version = %q, want v1", cfg.Version)
	}
}

func TestEnsembleHandler_GetYAML(t *testing.T) {
	h := NewEnsembleHandler(testRegistry(t), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest("GET", "/api/v1/ensemble?format=yaml", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "version: v1") {
		t.Errorf("body does not look like YAML: %s", rec.Body.String())
	}
}

func TestEnsembleHandler_GetNoActive(t *testing.T) {
	h := NewEnsembleHandler(ensemble.NewRegistry(nil), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.Get(rec, httptest.NewRequest("GET", "/api/v1/ensemble", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEnsembleHandler_GetVersion(t *testing.T) {
	h := NewEnsembleHandler(testRegistry(t), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.GetVersion(rec, requestWithChiParams(httptest.NewRequest("GET", "/api/v1/ensemble/v1", nil), map[string]string{"version": "v1"}))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.GetVersion(rec, requestWithChiParams(httptest.NewRequest("GET", "/api/v1/ensemble/v9", nil), map[string]string{"version": "v9"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestEnsembleHandler_Validate(t *testing.T) {
	reg := testRegistry(t)
	h := NewEnsembleHandler(reg, nil, nopLogger)

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Validate(rec, jsonRequest(t, "POST", "/api/v1/ensemble/validate", testEnsemble("v2")))

		var resp ValidationResponse
		decodeBody(t, rec, &resp)
		if rec.Code != http.StatusOK || !resp.Valid {
			t.Errorf("status = %d, resp = %+v", rec.Code, resp)
		}
		if reg.Active().Version != "v1" {
			t.Error("validate must not activate")
		}
	})

	t.Run("bad weights", func(t *testing.T) {
		cfg := testEnsemble("v2")
		cfg.Models[1].Weight = 0.6
		rec := httptest.NewRecorder()
		h.Validate(rec, jsonRequest(t, "POST", "/api/v1/ensemble/validate", cfg))

		var resp ValidationResponse
		decodeBody(t, rec, &resp)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
		if resp.Valid || len(resp.Problems) == 0 {
			t.Errorf("resp = %+v", resp)
		}
	})

	t.Run("schema violation", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Validate(rec, jsonRequest(t, "POST", "/api/v1/ensemble/validate", map[string]any{"version": "v3", "strategy": "majority"}))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", rec.Code)
		}
	})

	t.Run("unsupported content type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/ensemble/validate", strings.NewReader("<xml/>"))
		req.Header.Set("Content-Type", "application/xml")
		rec := httptest.NewRecorder()
		h.Validate(rec, req)
		if rec.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", rec.Code)
		}
	})
}

func TestEnsembleHandler_Activate(t *testing.T) {
	reg := testRegistry(t)
	var activated []string
	h := NewEnsembleHandler(reg, func(v string) { activated = append(activated, v) }, nopLogger)

	rec := httptest.NewRecorder()
	h.Activate(rec, jsonRequest(t, "POST", "/api/v1/ensemble/activate", testEnsemble("v2")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if reg.Active().Version != "v2" {
		t.Errorf("active = %q, want v2", reg.Active().Version)
	}
	if len(activated) != 1 || activated[0] != "v2" {
		t.Errorf("onActivate calls = %v", activated)
	}
}

func TestEnsembleHandler_ActivateRejectedKeepsOld(t *testing.T) {
	reg := testRegistry(t)
	h := NewEnsembleHandler(reg, nil, nopLogger)

	cfg := testEnsemble("v2")
	cfg.Thresholds.HighConfidence = 0.6 // below medium

	rec := httptest.NewRecorder()
	h.Activate(rec, jsonRequest(t, "POST", "/api/v1/ensemble/activate", cfg))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if reg.Active().Version != "v1" {
		t.Errorf("active = %q, want v1", reg.Active().Version)
	}
}

func TestEnsembleHandler_ActivateYAML(t *testing.T) {
	reg := testRegistry(t)
	h := NewEnsembleHandler(reg, nil, nopLogger)

	doc, err := ensemble.Marshal(testEnsemble("v3"), ensemble.FormatYAML)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req := httptest.NewRequest("POST", "/api/v1/ensemble/activate", strings.NewReader(string(doc)))
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	h.Activate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if reg.Active().Version != "v3" {
		t.Errorf("active = %q, want v3", reg.Active().Version)
	}
}

func TestEnsembleHandler_ListVersions(t *testing.T) {
	h := NewEnsembleHandler(testRegistry(t), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.ListVersions(rec, httptest.NewRequest("GET", "/api/v1/ensemble/versions", nil))

	var resp struct {
		Active   string   `json:"active"`
		Versions []string `json:"versions"`
	}
	decodeBody(t, rec, &resp)
	if resp.Active != "v1" || len(resp.Versions) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

// storedVersions is a config store holding versions activated by an
// earlier process.
type storedVersions struct {
	configs map[string]*ensemble.Config
	listErr error
}

func (s *storedVersions) SaveActive(ctx context.Context, cfg *ensemble.Config) error {
	s.configs[cfg.Version] = cfg.Clone()
	return nil
}

func (s *storedVersions) LoadActive(ctx context.Context) (*ensemble.Config, error) {
	return nil, nil
}

func (s *storedVersions) LoadVersion(ctx context.Context, version string) (*ensemble.Config, error) {
	return s.configs[version], nil
}

func (s *storedVersions) ListVersions(ctx context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]string, 0, len(s.configs))
	for v := range s.configs {
		out = append(out, v)
	}
	return out, nil
}

func TestEnsembleHandler_ListVersionsIncludesStored(t *testing.T) {
	store := &storedVersions{configs: map[string]*ensemble.Config{
		"v0": testEnsemble("v0"),
		"v1": testEnsemble("v1"),
	}}
	reg := ensemble.NewRegistry(store)
	if err := reg.Activate(context.Background(), testEnsemble("v2")); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	h := NewEnsembleHandler(reg, nil, nopLogger)

	rec := httptest.NewRecorder()
	h.ListVersions(rec, httptest.NewRequest("GET", "/api/v1/ensemble/versions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Active   string   `json:"active"`
		Versions []string `json:"versions"`
	}
	decodeBody(t, rec, &resp)
	if resp.Active != "v2" {
		t.Errorf("active = %q, want v2", resp.Active)
	}
	if strings.Join(resp.Versions, ",") != "v0,v1,v2" {
		t.Errorf("versions = %v, want [v0 v1 v2]", resp.Versions)
	}
}

func TestEnsembleHandler_ListVersionsStoreError(t *testing.T) {
	store := &storedVersions{configs: map[string]*ensemble.Config{}, listErr: errors.New("connection refused")}
	h := NewEnsembleHandler(ensemble.NewRegistry(store), nil, nopLogger)

	rec := httptest.NewRecorder()
	h.ListVersions(rec, httptest.NewRequest("GET", "/api/v1/ensemble/versions", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
