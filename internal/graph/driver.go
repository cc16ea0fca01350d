// Package graph provides database abstraction for graph operations.
// High-level stores depend on Driver, not on a concrete database.
package graph

import (
	"context"
)

// Record represents a single result row from a query.
type Record map[string]any

// GraphReader provides read-only graph database operations.
type GraphReader interface {
	// Execute runs a Cypher query and returns results.
	Execute(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// GraphWriter provides write graph database operations.
type GraphWriter interface {
	// ExecuteWrite runs a write query (CREATE, MERGE, SET, DELETE) in one
	// transaction and returns whatever rows it RETURNs.
	ExecuteWrite(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// Driver composes GraphReader + GraphWriter + lifecycle methods.
// Any graph DB (Memgraph, Neo4j) must implement this interface.
type Driver interface {
	GraphReader
	GraphWriter

	// Close releases database resources.
	Close() error

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error
}

// Config holds database connection configuration.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}
