package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/store"
)

// ErrNotFound is returned by Resolve for unregistered names.
var ErrNotFound = store.ErrNotFound

// Routing failure reasons.
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("invalid usage")
	ErrNoCodebase     = errors.New("no codebase bound to conversation")
)

// RoutingError is a user-facing routing failure. It never reaches the
// assistant.
type RoutingError struct {
	// Prefix is the configured command prefix; "/" when empty.
	Prefix     string
	Name       string
	Reason     error
	Detail     string
	Suggestion string
}

func (e *RoutingError) Error() string {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "/"
	}
	var sb strings.Builder
	switch {
	case errors.Is(e.Reason, ErrUnknownCommand):
		fmt.Fprintf(&sb, "unknown command %s%s", prefix, e.Name)
	case e.Name != "":
		fmt.Fprintf(&sb, "%s%s: %v", prefix, e.Name, e.Reason)
	default:
		sb.WriteString(e.Reason.Error())
	}
	if e.Detail != "" {
		sb.WriteString(": " + e.Detail)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&sb, " (did you mean %s%s?)", prefix, e.Suggestion)
	}
	return sb.String()
}

func (e *RoutingError) Unwrap() error { return e.Reason }

// IsRouting reports whether err is a *RoutingError.
func IsRouting(err error) bool {
	var re *RoutingError
	return errors.As(err, &re)
}

// Registry maps (codebase, name) to templates. Persistence is delegated to
// the command store, so registrations survive restarts.
type Registry struct {
	store store.CommandStore
}

// NewRegistry creates a registry over a command store.
func NewRegistry(s store.CommandStore) *Registry {
	return &Registry{store: s}
}

// Register stores a template under name, overwriting any prior entry.
func (r *Registry) Register(ctx context.Context, codebaseID, name, template, sourcePath string) (*domain.Command, error) {
	return r.RegisterCommand(ctx, &domain.Command{
		CodebaseID: codebaseID,
		Name:       name,
		Template:   template,
		SourcePath: sourcePath,
	})
}

// RegisterCommand stores a fully described command.
func (r *Registry) RegisterCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, fmt.Errorf("register command: empty name")
	}
	if strings.ContainsFunc(cmd.Name, isSpace) {
		return nil, fmt.Errorf("register command %q: name contains whitespace", cmd.Name)
	}
	if err := r.store.UpsertCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("register command %q: %w", cmd.Name, err)
	}
	return cmd, nil
}

// Resolve returns the template registered under name. The error wraps
// ErrNotFound when nothing is registered.
func (r *Registry) Resolve(ctx context.Context, codebaseID, name string) (*domain.Command, error) {
	cmd, err := r.store.GetCommand(ctx, codebaseID, name)
	if err != nil {
		return nil, fmt.Errorf("resolve command %q: %w", name, err)
	}
	return cmd, nil
}

// List returns every command registered for a codebase, sorted by name.
func (r *Registry) List(ctx context.Context, codebaseID string) ([]*domain.Command, error) {
	return r.store.ListCommands(ctx, codebaseID)
}

// Names returns registered command names for a codebase.
func (r *Registry) Names(ctx context.Context, codebaseID string) ([]string, error) {
	cmds, err := r.List(ctx, codebaseID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cmds))
	for i, c := range cmds {
		names[i] = c.Name
	}
	return names, nil
}

// CheckArgs validates rawArgs against the command's declared shape.
func CheckArgs(cmd *domain.Command, prefix, rawArgs string) error {
	if n := len(strings.Fields(rawArgs)); n < cmd.Params.MinArgs {
		detail := fmt.Sprintf("expects at least %d argument(s), got %d", cmd.Params.MinArgs, n)
		if u := Usage(cmd, prefix); u != "" {
			detail += "; " + u
		}
		return &RoutingError{Prefix: prefix, Name: cmd.Name, Reason: ErrUsage, Detail: detail}
	}
	return nil
}

// Usage returns "usage: <prefix><name> <hint>", or "" when cmd declares no
// argument hint.
func Usage(cmd *domain.Command, prefix string) string {
	if cmd.Params.ArgumentHint == "" {
		return ""
	}
	if prefix == "" {
		prefix = "/"
	}
	return "usage: " + prefix + cmd.Name + " " + cmd.Params.ArgumentHint
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
