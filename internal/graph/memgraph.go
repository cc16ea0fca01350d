package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Memgraph implements Driver for Memgraph (and Neo4j) over bolt.
type Memgraph struct {
	driver neo4j.DriverWithContext
	config Config
}

// NewMemgraph creates a new Memgraph driver. It does not dial; use Ping.
func NewMemgraph(cfg Config) (*Memgraph, error) {
	var auth neo4j.AuthToken
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	} else {
		auth = neo4j.NoAuth()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	return &Memgraph{
		driver: driver,
		config: cfg,
	}, nil
}

func (m *Memgraph) sessionConfig(mode neo4j.AccessMode) neo4j.SessionConfig {
	cfg := neo4j.SessionConfig{AccessMode: mode}
	// Memgraph ignores database names; Neo4j needs one unless default.
	if m.config.Database != "" && m.config.Database != "memgraph" {
		cfg.DatabaseName = m.config.Database
	}
	return cfg
}

// Execute runs a read query and returns results.
func (m *Memgraph) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := m.driver.NewSession(ctx, m.sessionConfig(neo4j.AccessModeRead))
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var records []Record
	for result.Next(ctx) {
		records = append(records, toRecord(result.Record()))
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}

	return records, nil
}

// ExecuteWrite runs a write query inside a managed transaction. Transient
// conflicts are retried by the driver.
func (m *Memgraph) ExecuteWrite(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := m.driver.NewSession(ctx, m.sessionConfig(neo4j.AccessModeWrite))
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var records []Record
		for result.Next(ctx) {
			records = append(records, toRecord(result.Record()))
		}
		return records, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("write query failed: %w", err)
	}
	records, _ := out.([]Record)
	return records, nil
}

func toRecord(rec *neo4j.Record) Record {
	record := make(Record, len(rec.Keys))
	for _, key := range rec.Keys {
		val, _ := rec.Get(key)
		record[key] = val
	}
	return record
}

// Close releases the database driver.
func (m *Memgraph) Close() error {
	return m.driver.Close(context.Background())
}

// Ping checks database connectivity.
func (m *Memgraph) Ping(ctx context.Context) error {
	return m.driver.VerifyConnectivity(ctx)
}

// ConnectWithRetry dials with exponential backoff: 100ms, 200ms, 400ms...
func ConnectWithRetry(ctx context.Context, cfg Config, maxRetries int) (*Memgraph, error) {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		mg, err := NewMemgraph(cfg)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = mg.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			return mg, nil
		}
		mg.Close()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100<<i) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("graph unavailable after %d attempts: %w", maxRetries, lastErr)
}

// IsConnectionError checks if an error is a connection-related error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "EOF")
}
