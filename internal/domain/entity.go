// Package domain defines the records shared by the gateway components.
// Records are owned by the store; other packages only read them.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the chat or ticket platform a conversation lives on.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
	PlatformGitHub   Platform = "github"
	PlatformHTTP     Platform = "http"
)

// KnownPlatform reports whether p is one of the platforms defined above.
func KnownPlatform(p Platform) bool {
	switch p {
	case PlatformTelegram, PlatformSlack, PlatformDiscord, PlatformGitHub, PlatformHTTP:
		return true
	}
	return false
}

// NormalizePlatform lower-cases and trims a platform name.
func NormalizePlatform(s string) Platform {
	return Platform(strings.ToLower(strings.TrimSpace(s)))
}

// AssistantKind identifies a backend family.
type AssistantKind string

const (
	AssistantClaude AssistantKind = "claude"
	AssistantCodex  AssistantKind = "codex"
)

// assistantMeta describes the known backend kinds (extend via map, not switch).
var assistantMeta = map[AssistantKind]struct {
	Label string
}{
	AssistantClaude: {"Claude Code"},
	AssistantCodex:  {"Codex"},
}

// ParseAssistantKind validates an assistant kind name.
func ParseAssistantKind(s string) (AssistantKind, error) {
	k := AssistantKind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := assistantMeta[k]; !ok {
		return "", fmt.Errorf("unknown assistant kind %q", s)
	}
	return k, nil
}

// Label returns a human readable backend name.
func (k AssistantKind) Label() string {
	if m, ok := assistantMeta[k]; ok {
		return m.Label
	}
	return string(k)
}

// StreamingMode controls how output chunks reach the platform.
type StreamingMode string

const (
	ModeStream StreamingMode = "stream"
	ModeBatch  StreamingMode = "batch"
)

// ParseStreamingMode validates a streaming mode name.
func ParseStreamingMode(s string) (StreamingMode, error) {
	switch m := StreamingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStream, ModeBatch:
		return m, nil
	}
	return "", fmt.Errorf("unknown streaming mode %q (want stream or batch)", s)
}

// Codebase is a working directory an assistant operates in.
type Codebase struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	RepositoryURL string        `json:"repository_url,omitempty"`
	WorkingDir    string        `json:"working_dir"`
	AssistantKind AssistantKind `json:"assistant_kind"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Conversation maps one external thread to the gateway.
// (Platform, ExternalID) is unique.
type Conversation struct {
	ID            string        `json:"id"`
	Platform      Platform      `json:"platform"`
	ExternalID    string        `json:"external_id"`
	CodebaseID    string        `json:"codebase_id,omitempty"`
	AssistantKind AssistantKind `json:"assistant_kind"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Key returns the admission key for the conversation.
func (c *Conversation) Key() string {
	return ConversationKey(c.Platform, c.ExternalID)
}

// ConversationKey builds the admission key for a platform thread.
func ConversationKey(p Platform, externalID string) string {
	return string(p) + ":" + externalID
}

// Session is a resumable backend context bound to a conversation.
// At most one session per conversation is active.
type Session struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Handle         string          `json:"handle,omitempty"`
	AssistantKind  AssistantKind   `json:"assistant_kind"`
	Active         bool            `json:"active"`
	Metadata       SessionMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// CommandParams is the declared parameter shape of a command template.
type CommandParams struct {
	Description  string `json:"description,omitempty" yaml:"description"`
	ArgumentHint string `json:"argument_hint,omitempty" yaml:"argument-hint"`
	MinArgs      int    `json:"min_args,omitempty" yaml:"min-args"`
	// Consumes names the artifact kind the template reads from the session.
	Consumes string `json:"consumes,omitempty" yaml:"consumes"`
	// Produces names the artifact kind the turn's output is stored as.
	Produces string `json:"produces,omitempty" yaml:"produces"`
}

// Command is a named prompt template registered for a codebase.
type Command struct {
	ID         string        `json:"id"`
	CodebaseID string        `json:"codebase_id"`
	Name       string        `json:"name"`
	Template   string        `json:"template"`
	SourcePath string        `json:"source_path,omitempty"`
	Params     CommandParams `json:"params"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
