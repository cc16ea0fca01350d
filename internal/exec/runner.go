package exec

import (
	"context"
	"strings"
	"sync"
	osexec "os/exec"
)

// Runner executes short-lived commands to completion.
type Runner interface {
	// Run executes a command and returns combined stdout/stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner implements Runner using os/exec.
type OSRunner struct {
	// Env overrides environment variables (nil = inherit from parent)
	Env []string
}

// NewOSRunner creates a new OS-based command runner.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	return cmd.CombinedOutput()
}

// MockRunner implements Runner for testing.
type MockRunner struct {
	mu        sync.Mutex
	calls     []Spec
	responses map[string]MockResponse
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Output []byte
	Err    error
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{responses: make(map[string]MockResponse)}
}

// AddResponse sets the response for "name args...".
func (m *MockRunner) AddResponse(cmdline string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmdline] = resp
}

// Calls returns every invocation so far.
func (m *MockRunner) Calls() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spec(nil), m.calls...)
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Spec{Name: name, Args: args})
	resp, ok := m.responses[strings.Join(append([]string{name}, args...), " ")]
	if !ok {
		return nil, osexec.ErrNotFound
	}
	return resp.Output, resp.Err
}
