package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "DATABASE_MAX_OPEN_CONNS", "DATABASE_MAX_IDLE_CONNS", "HNSW_INDEX_PATH",
		"SCOPE_DATABASE_URL", "ENSEMBLE_CONFIG_PATH", "MODEL_TIMEOUT_MS", "AUDIT_BUFFER_SIZE",
		"LOG_LEVEL", "LOG_FORMAT", "WEB_PORT", "WEB_HOST", "WEB_ALLOWED_ORIGINS", "WEB_ADMIN_TOKEN",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Database.MaxOpenConns != 25 {
		t.Errorf("MaxOpenConns = %d, want 25", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns != 5 {
		t.Errorf("MaxIdleConns = %d, want 5", cfg.Database.MaxIdleConns)
	}
	if cfg.Engine.ModelTimeout != 800*time.Millisecond {
		t.Errorf("ModelTimeout = %v, want 800ms", cfg.Engine.ModelTimeout)
	}
	if cfg.Audit.BufferSize != 256 {
		t.Errorf("BufferSize = %d, want 256", cfg.Audit.BufferSize)
	}
	if cfg.Log.Level != "info" || !cfg.Log.JSONLogs() {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Web.Port != 8080 || cfg.Web.Host != "0.0.0.0" {
		t.Errorf("Web = %+v", cfg.Web)
	}
	if len(cfg.Web.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v, want none", cfg.Web.AllowedOrigins)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/idverify")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "40")
	t.Setenv("HNSW_INDEX_PATH", "/var/lib/idverify/hnsw")
	t.Setenv("SCOPE_DATABASE_URL", "u:p@tcp(roster:3306)/roster")
	t.Setenv("ENSEMBLE_CONFIG_PATH", "/etc/idverify/ensemble.yaml")
	t.Setenv("MODEL_TIMEOUT_MS", "250")
	t.Setenv("AUDIT_BUFFER_SIZE", "1024")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("WEB_PORT", "9000")
	t.Setenv("WEB_HOST", "127.0.0.1")
	t.Setenv("WEB_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("WEB_ADMIN_TOKEN", "s3cret")

	cfg := Load()

	if cfg.Web.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q", cfg.Web.AdminToken)
	}
	if cfg.Database.URL != "postgres://u:p@db/idverify" {
		t.Errorf("URL = %q", cfg.Database.URL)
	}
	if cfg.Database.MaxOpenConns != 40 {
		t.Errorf("MaxOpenConns = %d, want 40", cfg.Database.MaxOpenConns)
	}
	if cfg.Database.HNSWIndexPath != "/var/lib/idverify/hnsw" {
		t.Errorf("HNSWIndexPath = %q", cfg.Database.HNSWIndexPath)
	}
	if cfg.Scope.DatabaseURL == "" || cfg.Ensemble.Path == "" {
		t.Errorf("scope/ensemble paths not loaded: %+v %+v", cfg.Scope, cfg.Ensemble)
	}
	if cfg.Engine.ModelTimeout != 250*time.Millisecond {
		t.Errorf("ModelTimeout = %v, want 250ms", cfg.Engine.ModelTimeout)
	}
	if cfg.Audit.BufferSize != 1024 {
		t.Errorf("BufferSize = %d, want 1024", cfg.Audit.BufferSize)
	}
	if cfg.Log.Level != "debug" || cfg.Log.JSONLogs() {
		t.Errorf("Log = %+v, want debug/console", cfg.Log)
	}
	if cfg.Web.Port != 9000 || cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web = %+v", cfg.Web)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Web.AllowedOrigins) != 2 || cfg.Web.AllowedOrigins[0] != want[0] || cfg.Web.AllowedOrigins[1] != want[1] {
		t.Errorf("AllowedOrigins = %v, want %v", cfg.Web.AllowedOrigins, want)
	}
}

func TestEnvInt_InvalidFallsBack(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 7},
		{"abc", 7},
		{"-3", 7},
		{"0", 7},
		{"12", 12},
	}
	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("TEST_ENV_INT", tc.value)
			if got := envInt("TEST_ENV_INT", 7); got != tc.want {
				t.Errorf("envInt(%q) = %d, want %d", tc.value, got, tc.want)
			}
		})
	}
}
