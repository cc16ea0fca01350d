package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/joss/agentgate/internal/domain"
)

// NewSessionID returns a sortable session id.
func NewSessionID() string { return ulid.Make().String() }

// NewCommandID returns a sortable command id.
func NewCommandID() string { return ulid.Make().String() }

// NewID returns a random id for conversations and codebases.
func NewID() string { return uuid.NewString() }

// Now is the clock used by engines. Tests may replace it.
var Now = func() time.Time { return time.Now().UTC() }

// PrepareConversation fills defaults before insert.
func PrepareConversation(c *domain.Conversation) {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
}

// PrepareCodebase fills defaults before insert.
func PrepareCodebase(cb *domain.Codebase) {
	if cb.ID == "" {
		cb.ID = NewID()
	}
	now := Now()
	if cb.CreatedAt.IsZero() {
		cb.CreatedAt = now
	}
	cb.UpdatedAt = now
}

// PrepareCommand normalizes the name and fills defaults before upsert.
func PrepareCommand(cmd *domain.Command) {
	cmd.Name = NormalizeCommandName(cmd.Name)
	if cmd.ID == "" {
		cmd.ID = NewCommandID()
	}
	cmd.UpdatedAt = Now()
}

// NormalizeCommandName lower-cases and trims a command name.
func NormalizeCommandName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
