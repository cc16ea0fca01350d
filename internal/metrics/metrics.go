// Package metrics provides Prometheus-compatible gateway counters.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joss/agentgate/internal/gate"
)

// Failure classifies a message that did not complete normally.
type Failure string

const (
	FailureRouting Failure = "routing"
	FailureBackend Failure = "backend"
	FailureStorage Failure = "storage"
	FailureTimeout Failure = "timeout"
	FailurePanic   Failure = "panic"
)

// Route classifies how a message was handled.
type Route string

const (
	RouteBuiltin Route = "builtin"
	RouteCommand Route = "command"
	RouteQuery   Route = "query"
)

// Metrics holds runtime metrics for the gateway
type Metrics struct {
	Messages  atomic.Int64
	Rejected  atomic.Int64
	Builtins  atomic.Int64
	Commands  atomic.Int64
	Queries   atomic.Int64
	Turns     atomic.Int64
	TurnFails atomic.Int64

	RoutingErrors atomic.Int64
	BackendErrors atomic.Int64
	StorageErrors atomic.Int64
	Timeouts      atomic.Int64
	Panics        atomic.Int64

	// Health checks
	HealthChecks        atomic.Int64
	HealthCheckFailures atomic.Int64

	// Timing (last assistant turn duration in ms)
	LastTurnDurationMs atomic.Int64

	startTime time.Time

	mu        sync.RWMutex
	gateStats func() gate.Stats
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// New returns an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// SetGateStats registers the source for admission gauges.
func (m *Metrics) SetGateStats(fn func() gate.Stats) {
	m.mu.Lock()
	m.gateStats = fn
	m.mu.Unlock()
}

// RecordMessage counts an inbound message.
func (m *Metrics) RecordMessage() {
	m.Messages.Add(1)
}

// RecordRejected counts a message refused by the admission gate.
func (m *Metrics) RecordRejected() {
	m.Rejected.Add(1)
}

// RecordRoute counts a routed message.
func (m *Metrics) RecordRoute(r Route) {
	switch r {
	case RouteBuiltin:
		m.Builtins.Add(1)
	case RouteCommand:
		m.Commands.Add(1)
	case RouteQuery:
		m.Queries.Add(1)
	}
}

// RecordTurn records an assistant turn.
func (m *Metrics) RecordTurn(success bool, durationMs int64) {
	m.Turns.Add(1)
	if !success {
		m.TurnFails.Add(1)
	}
	m.LastTurnDurationMs.Store(durationMs)
}

// RecordFailure counts a failed message.
func (m *Metrics) RecordFailure(f Failure) {
	switch f {
	case FailureRouting:
		m.RoutingErrors.Add(1)
	case FailureBackend:
		m.BackendErrors.Add(1)
	case FailureStorage:
		m.StorageErrors.Add(1)
	case FailureTimeout:
		m.Timeouts.Add(1)
	case FailurePanic:
		m.Panics.Add(1)
	}
}

// RecordHealthCheck records a health check
func (m *Metrics) RecordHealthCheck(healthy bool) {
	m.HealthChecks.Add(1)
	if !healthy {
		m.HealthCheckFailures.Add(1)
	}
}

type sample struct {
	name, help, typ string
	value           string
}

func counter(name, help string, v *atomic.Int64) sample {
	return sample{name, help, "counter", fmt.Sprintf("%d", v.Load())}
}

func gauge(name, help string, v int64) sample {
	return sample{name, help, "gauge", fmt.Sprintf("%d", v)}
}

func (m *Metrics) samples() []sample {
	out := []sample{
		{"agentgate_uptime_seconds", "Time since the gateway started", "gauge", fmt.Sprintf("%.2f", time.Since(m.startTime).Seconds())},
		counter("agentgate_messages_total", "Inbound messages received", &m.Messages),
		counter("agentgate_backpressure_rejections_total", "Messages refused because the admission queue was full", &m.Rejected),
		counter("agentgate_builtin_commands_total", "Built-in commands handled", &m.Builtins),
		counter("agentgate_template_commands_total", "Template commands executed", &m.Commands),
		counter("agentgate_queries_total", "Freeform queries sent to an assistant", &m.Queries),
		counter("agentgate_turns_total", "Assistant turns started", &m.Turns),
		counter("agentgate_turn_failures_total", "Assistant turns that ended in an error", &m.TurnFails),
		counter("agentgate_routing_errors_total", "Unknown or malformed commands", &m.RoutingErrors),
		counter("agentgate_backend_errors_total", "Backend failures surfaced to callers", &m.BackendErrors),
		counter("agentgate_storage_errors_total", "Messages aborted by storage failures", &m.StorageErrors),
		counter("agentgate_timeouts_total", "Messages that exceeded the request timeout", &m.Timeouts),
		counter("agentgate_panics_total", "Recovered panics in message handling", &m.Panics),
		counter("agentgate_health_checks_total", "Total health checks performed", &m.HealthChecks),
		counter("agentgate_health_check_failures_total", "Total health check failures", &m.HealthCheckFailures),
		gauge("agentgate_last_turn_duration_ms", "Last assistant turn duration", m.LastTurnDurationMs.Load()),
	}

	m.mu.RLock()
	fn := m.gateStats
	m.mu.RUnlock()
	if fn != nil {
		st := fn()
		out = append(out,
			gauge("agentgate_gate_active", "Permits currently held", int64(st.Active)),
			gauge("agentgate_gate_queued", "Messages waiting for a permit", int64(st.Queued)),
			gauge("agentgate_gate_limit", "Global concurrency limit", int64(st.Limit)),
		)
	}
	return out
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for i, s := range m.samples() {
			if i > 0 {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "# HELP %s %s\n", s.name, s.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, s.typ)
			fmt.Fprintf(w, "%s %s\n", s.name, s.value)
		}
	}
}
