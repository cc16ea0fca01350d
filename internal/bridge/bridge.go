// Package bridge drives assistant backend CLIs and exposes their output as
// a finite stream of chunks. Backend differences stay inside this package.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joss/agentgate/internal/domain"
)

var (
	// ErrInvalidRequest is returned by Start for requests that cannot run.
	ErrInvalidRequest = errors.New("invalid bridge request")
	// ErrUnknownKind is returned by Registry.Get.
	ErrUnknownKind = errors.New("unknown assistant kind")
)

// ChunkKind classifies stream output.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolCall   ChunkKind = "tool_call"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkError      ChunkKind = "error"
	ChunkDone       ChunkKind = "done"
)

// Chunk is one unit of backend output.
type Chunk struct {
	Kind ChunkKind
	Text string
	// Tool names the tool for tool_call and tool_result chunks.
	Tool string
	// Err is set on error chunks and is always a *BackendError.
	Err error
}

// Terminal reports whether c ends the stream.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkDone || c.Kind == ChunkError
}

// Request is one prompt sent to a backend.
type Request struct {
	WorkingDir string
	Prompt     string
	// ResumeHandle continues an earlier backend session when set.
	ResumeHandle string
}

// Validate rejects requests that cannot be started.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if r.WorkingDir == "" {
		return fmt.Errorf("%w: working directory required", ErrInvalidRequest)
	}
	return nil
}

// Bridge starts assistant turns.
type Bridge interface {
	Kind() domain.AssistantKind
	// Start launches one turn. It fails only for invalid requests; backend
	// failures arrive as a terminal error chunk.
	Start(ctx context.Context, req Request) (*Stream, error)
}

// BackendError describes a failed assistant turn.
type BackendError struct {
	Kind     domain.AssistantKind
	Reason   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s backend: %s", e.Kind, e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if s := excerpt(e.Stderr, 300); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackend reports whether err is a BackendError.
func IsBackend(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// excerpt returns the last n bytes of s on a single line.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "…" + s[len(s)-n:]
	}
	return strings.Join(strings.Fields(s), " ")
}

// Registry maps assistant kinds to bridges.
type Registry struct {
	bridges map[domain.AssistantKind]Bridge
}

// NewRegistry registers bs by their Kind. Later entries win.
func NewRegistry(bs ...Bridge) *Registry {
	r := &Registry{bridges: make(map[domain.AssistantKind]Bridge, len(bs))}
	for _, b := range bs {
		r.bridges[b.Kind()] = b
	}
	return r
}

// Get returns the bridge for kind.
func (r *Registry) Get(kind domain.AssistantKind) (Bridge, error) {
	b, ok := r.bridges[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return b, nil
}

// Kinds lists registered kinds in a stable order.
func (r *Registry) Kinds() []domain.AssistantKind {
	var kinds []domain.AssistantKind
	for _, k := range []domain.AssistantKind{domain.AssistantClaude, domain.AssistantCodex} {
		if _, ok := r.bridges[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
