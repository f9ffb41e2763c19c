package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/idverify/internal/constants"
)

type Config struct {
	Database DatabaseConfig
	Scope    ScopeConfig
	Ensemble EnsembleConfig
	Engine   EngineConfig
	Audit    AuditConfig
	Log      LogConfig
	Web      WebConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Directory to persist per-model HNSW indexes (optional, if empty indexes are rebuilt on startup)
}

type ScopeConfig struct {
	DatabaseURL string        // MariaDB DSN of the roster database (optional)
	CacheTTL    time.Duration // How long resolved groups are cached
}

type EnsembleConfig struct {
	Path string // Ensemble config file activated at startup when the store has none
}

type EngineConfig struct {
	ModelTimeout   time.Duration // Default per-model search timeout
	RequestTimeout time.Duration // Whole request budget
}

type AuditConfig struct {
	BufferSize int // Queued decisions before new ones are dropped
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

type WebConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string // CORS origins, localhost is always allowed
	AdminToken     string   // Bearer token for ensemble activation (optional, if empty activation is open)
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envMillis reads a positive millisecond count as a duration.
func envMillis(key string, defaultVal time.Duration) time.Duration {
	ms := envInt(key, 0)
	if ms == 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

// envString returns the trimmed value of key or defaultVal when empty.
func envString(key, defaultVal string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", constants.DefaultMaxOpenConns),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", constants.DefaultMaxIdleConns),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Scope: ScopeConfig{
			DatabaseURL: os.Getenv("SCOPE_DATABASE_URL"),
			CacheTTL:    envMillis("SCOPE_CACHE_TTL_MS", constants.DefaultScopeTTL),
		},
		Ensemble: EnsembleConfig{
			Path: os.Getenv("ENSEMBLE_CONFIG_PATH"),
		},
		Engine: EngineConfig{
			ModelTimeout:   envMillis("MODEL_TIMEOUT_MS", constants.DefaultModelTimeout),
			RequestTimeout: envMillis("REQUEST_TIMEOUT_MS", constants.DefaultRequestTimeout),
		},
		Audit: AuditConfig{
			BufferSize: envInt("AUDIT_BUFFER_SIZE", constants.DefaultAuditBufferSize),
		},
		Log: LogConfig{
			Level:  strings.ToLower(envString("LOG_LEVEL", constants.DefaultLogLevel)),
			Format: strings.ToLower(envString("LOG_FORMAT", constants.DefaultLogFormat)),
		},
		Web: WebConfig{
			Port:           envInt("WEB_PORT", constants.DefaultWebPort),
			Host:           envString("WEB_HOST", constants.DefaultWebHost),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
			AdminToken:     os.Getenv("WEB_ADMIN_TOKEN"),
		},
	}
}

// JSONLogs reports whether logs should be emitted as JSON.
func (c *LogConfig) JSONLogs() bool {
	return c.Format != "console"
}
