// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Database pool defaults
const (
	// DefaultMaxOpenConns is the default PostgreSQL pool size
	DefaultMaxOpenConns = 25

	// DefaultMaxIdleConns is the default number of idle PostgreSQL connections
	DefaultMaxIdleConns = 5
)

// Consensus engine defaults
const (
	// DefaultModelTimeout bounds a single model's neighbor search
	DefaultModelTimeout = 800 * time.Millisecond

	// DefaultRequestTimeout bounds a whole verification request
	DefaultRequestTimeout = 5 * time.Second

	// CandidatesPerModel is how many distinct identities a matcher asks for (top-1 and runner-up)
	CandidatesPerModel = 2
)

// Audit defaults
const (
	// DefaultAuditBufferSize is the number of decisions queued before new ones are dropped
	DefaultAuditBufferSize = 256

	// AuditWriteTimeout bounds a single audit insert
	AuditWriteTimeout = 5 * time.Second
)

// Scope resolver defaults
const (
	// DefaultScopeTTL is how long a resolved group roster is cached
	DefaultScopeTTL = 30 * time.Second
)

// Logging defaults
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// CLI defaults
const (
	// ReplayConcurrency is the default number of probes replayed in parallel
	ReplayConcurrency = 8

	// ImportBatchSize is how many enrollments are imported between progress updates
	ImportBatchSize = 100

	// MaxJSONLLineBytes caps one line of a replay or import file
	MaxJSONLLineBytes = 4 * 1024 * 1024
)
