package database

import (
	"context"
	"fmt"
)

// HNSWRebuilder is an interface for repositories that support HNSW index rebuilding
type HNSWRebuilder interface {
	// RebuildHNSW rebuilds the in-memory HNSW indexes of the given models
	RebuildHNSW(ctx context.Context, modelIDs []string) error
	// HNSWCount returns the number of items in the HNSW indexes
	HNSWCount() int
	// IsHNSWEnabled returns whether HNSW is enabled
	IsHNSWEnabled() bool
	// SaveHNSWIndex saves the current indexes to disk (if path configured)
	SaveHNSWIndex() error
}

var (
	postgresEnrollmentWriter func() EnrollmentWriter
	postgresDecisionStore    func() DecisionStore
	postgresEnrollmentHNSW   HNSWRebuilder // Singleton for enrollment HNSW rebuilding
	postgresInitialized      bool
	scopeResolver            func() ScopeResolver
)

// DecisionStore combines audit reads and writes.
type DecisionStore interface {
	DecisionWriter
	DecisionReader
}

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(
	enrollments func() EnrollmentWriter,
	decisions func() DecisionStore,
) {
	postgresEnrollmentWriter = enrollments
	postgresDecisionStore = decisions
	postgresInitialized = true
}

// RegisterEnrollmentHNSWRebuilder registers the HNSW rebuilder for the enrollment repository.
func RegisterEnrollmentHNSWRebuilder(rebuilder HNSWRebuilder) {
	postgresEnrollmentHNSW = rebuilder
}

// GetEnrollmentHNSWRebuilder returns the registered HNSW rebuilder, or nil if not registered.
func GetEnrollmentHNSWRebuilder() HNSWRebuilder {
	return postgresEnrollmentHNSW
}

// RegisterScopeResolver registers the group scope backend (MariaDB roster).
func RegisterScopeResolver(resolver func() ScopeResolver) {
	scopeResolver = resolver
}

// GetEnrollmentWriter returns an EnrollmentWriter from the PostgreSQL backend
func GetEnrollmentWriter(ctx context.Context) (EnrollmentWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresEnrollmentWriter == nil {
		return nil, fmt.Errorf("PostgreSQL enrollment writer not registered")
	}
	return postgresEnrollmentWriter(), nil
}

// GetDecisionStore returns the audit store from the PostgreSQL backend
func GetDecisionStore(ctx context.Context) (DecisionStore, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresDecisionStore == nil {
		return nil, fmt.Errorf("PostgreSQL decision store not registered")
	}
	return postgresDecisionStore(), nil
}

// GetScopeResolver returns the registered scope resolver, or nil when group
// scopes are not configured.
func GetScopeResolver() ScopeResolver {
	if scopeResolver == nil {
		return nil
	}
	return scopeResolver()
}
