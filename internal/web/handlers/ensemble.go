package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"go.uber.org/zap"
)

// ConfigRegistry is the ensemble config registry. *ensemble.Registry
// satisfies it.
type ConfigRegistry interface {
	Active() *ensemble.Config
	Activate(ctx context.Context, cfg *ensemble.Config) error
	Version(ctx context.Context, version string) (*ensemble.Config, error)
	Versions(ctx context.Context) ([]string, error)
}

// EnsembleHandler handles ensemble config endpoints
type EnsembleHandler struct {
	registry   ConfigRegistry
	onActivate func(version string)
	logger     *zap.Logger
}

// NewEnsembleHandler creates a new ensemble handler. onActivate, if set, is
// called after every successful activation.
func NewEnsembleHandler(registry ConfigRegistry, onActivate func(version string), logger *zap.Logger) *EnsembleHandler {
	return &EnsembleHandler{
		registry:   registry,
		onActivate: onActivate,
		logger:     logger,
	}
}

// ValidationResponse is the outcome of a dry-run or rejected activation.
type ValidationResponse struct {
	Valid    bool     `json:"valid"`
	Version  string   `json:"version,omitempty"`
	Problems []string `json:"problems,omitempty"`
}

// ActivationResponse reports the newly active version.
type ActivationResponse struct {
	Version string `json:"version"`
	Active  bool   `json:"active"`
}

// Get returns the active config
func (h *EnsembleHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.registry.Active()
	if cfg == nil {
		respondError(w, http.StatusNotFound, "no active ensemble config")
		return
	}
	h.writeConfig(w, r, cfg)
}

// GetVersion returns a previously activated config
func (h *EnsembleHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")

	cfg, err := h.registry.Version(r.Context(), version)
	if errors.Is(err, ensemble.ErrUnknownVersion) {
		respondError(w, http.StatusNotFound, "ensemble config version not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load ensemble config", zap.String("version", sanitizeForLog(version)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load ensemble config")
		return
	}
	h.writeConfig(w, r, cfg)
}

// ListVersions returns every stored or activated config version
func (h *EnsembleHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.registry.Versions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list ensemble config versions", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list ensemble config versions")
		return
	}

	active := ""
	if cfg := h.registry.Active(); cfg != nil {
		active = cfg.Version
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active":   active,
		"versions": versions,
	})
}

// Validate checks a config document without activating it
func (h *EnsembleHandler) Validate(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.readConfig(w, r)
	if !ok {
		return
	}
	if err := ensemble.Validate(cfg); err != nil {
		h.respondInvalid(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ValidationResponse{Valid: true, Version: cfg.Version})
}

// Activate validates a config document and makes it the active version
func (h *EnsembleHandler) Activate(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.readConfig(w, r)
	if !ok {
		return
	}

	if err := h.registry.Activate(r.Context(), cfg); err != nil {
		if errors.Is(err, ensemble.ErrInvalidConfig) {
			h.respondInvalid(w, err)
			return
		}
		h.logger.Error("Failed to activate ensemble config", zap.String("version", sanitizeForLog(cfg.Version)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to activate ensemble config")
		return
	}

	h.logger.Info("Activated ensemble config",
		zap.String("version", cfg.Version),
		zap.String("strategy", string(cfg.Strategy)),
		zap.Int("enabled_models", len(cfg.EnabledModels())))
	if h.onActivate != nil {
		h.onActivate(cfg.Version)
	}
	respondJSON(w, http.StatusOK, ActivationResponse{Version: cfg.Version, Active: true})
}

// readConfig decodes the request body in the format named by the format
// query parameter or the Content-Type header, defaulting to JSON.
func (h *EnsembleHandler) readConfig(w http.ResponseWriter, r *http.Request) (*ensemble.Config, bool) {
	format, err := requestFormat(r)
	if err != nil {
		respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return nil, false
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxRequestBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}

	cfg, err := ensemble.Parse(data, format)
	if err != nil {
		if errors.Is(err, ensemble.ErrInvalidConfig) {
			h.respondInvalid(w, err)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return cfg, true
}

func (h *EnsembleHandler) respondInvalid(w http.ResponseWriter, err error) {
	resp := ValidationResponse{Valid: false, Problems: []string{err.Error()}}
	var verr *ensemble.ValidationError
	if errors.As(err, &verr) {
		resp.Version = verr.Version
		resp.Problems = verr.Problems
	}
	respondJSON(w, http.StatusUnprocessableEntity, resp)
}

// writeConfig renders cfg in the requested format.
func (h *EnsembleHandler) writeConfig(w http.ResponseWriter, r *http.Request, cfg *ensemble.Config) {
	format := ensemble.Format(r.URL.Query().Get("format"))
	if format == "" || format == ensemble.FormatJSON {
		respondJSON(w, http.StatusOK, cfg)
		return
	}

	data, err := ensemble.Marshal(cfg, format)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", formatContentTypes[format])
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

var formatContentTypes = map[ensemble.Format]string{
	ensemble.FormatJSON: "application/json",
	ensemble.FormatYAML: "application/yaml",
	ensemble.FormatTOML: "application/toml",
}

func requestFormat(r *http.Request) (ensemble.Format, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		format := ensemble.Format(f)
		if _, ok := formatContentTypes[format]; !ok {
			return "", errors.New("unsupported format " + f)
		}
		return format, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ensemble.FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", errors.New("invalid Content-Type")
	}
	switch mediaType {
	case "application/json":
		return ensemble.FormatJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return ensemble.FormatYAML, nil
	case "application/toml":
		return ensemble.FormatTOML, nil
	}
	return "", errors.New("unsupported Content-Type " + mediaType)
}
