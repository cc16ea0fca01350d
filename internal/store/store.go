// Package store defines the persistence contract for conversations,
// sessions, codebases and command templates. Engines live in subpackages.
package store

import (
	"context"

	"github.com/joss/agentgate/internal/domain"
)

// Store is the minimal interface all engines must implement.
type Store interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// ConversationStore maps platform threads to conversations.
type ConversationStore interface {
	// GetConversation returns ErrNotFound when the thread is unknown.
	GetConversation(ctx context.Context, platform domain.Platform, externalID string) (*domain.Conversation, error)
	// CreateConversation fills in ID and timestamps when empty.
	// Returns ErrConflict if (platform, externalID) exists.
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	SetConversationCodebase(ctx context.Context, conversationID, codebaseID string) error
}

// SessionStore persists backend sessions. At most one session per
// conversation is active at any time.
type SessionStore interface {
	// GetActiveSession returns ErrNotFound when none is active.
	GetActiveSession(ctx context.Context, conversationID string) (*domain.Session, error)
	// CreateSession deactivates any active session of the conversation and
	// inserts the new one in a single atomic step.
	CreateSession(ctx context.Context, conversationID, handle string, kind domain.AssistantKind, md domain.SessionMetadata) (*domain.Session, error)
	// UpdateSessionMetadata merges patch into the session metadata.
	// An empty value removes the key.
	UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]string) error
	UpdateSessionHandle(ctx context.Context, sessionID, handle string) error
	// DeactivateSession ends the active session, if any.
	DeactivateSession(ctx context.Context, conversationID string) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	// ListSessions returns every session of a conversation, newest first.
	ListSessions(ctx context.Context, conversationID string) ([]*domain.Session, error)
}

// CodebaseStore persists registered working directories.
type CodebaseStore interface {
	CreateCodebase(ctx context.Context, cb *domain.Codebase) error
	GetCodebase(ctx context.Context, id string) (*domain.Codebase, error)
	FindCodebaseByDir(ctx context.Context, dir string) (*domain.Codebase, error)
	ListCodebases(ctx context.Context) ([]*domain.Codebase, error)
}

// CommandStore persists command templates, unique per (codebase, name).
type CommandStore interface {
	// UpsertCommand overwrites any prior entry with the same name.
	UpsertCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, codebaseID, name string) (*domain.Command, error)
	ListCommands(ctx context.Context, codebaseID string) ([]*domain.Command, error)
}

// SessionStorage is the full contract the orchestrator depends on.
type SessionStorage interface {
	Store
	ConversationStore
	SessionStore
	CodebaseStore
	CommandStore
}
