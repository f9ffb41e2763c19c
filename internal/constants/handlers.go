// Package constants provides shared constants used across the codebase.
package constants

// HTTP server constants
const (
	// DefaultWebPort is the default port of the HTTP API
	DefaultWebPort = 8080

	// DefaultWebHost is the default bind address of the HTTP API
	DefaultWebHost = "0.0.0.0"

	// MaxRequestBodyBytes caps verify and ensemble request bodies
	MaxRequestBodyBytes = 4 << 20

	// MaxScopeSize caps the number of identities in one probe scope
	MaxScopeSize = 100000

	// RequestTimeoutSeconds is the chi Timeout middleware budget
	RequestTimeoutSeconds = 60
)
