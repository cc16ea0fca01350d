// Package graphstore implements store.SessionStorage on Memgraph/Neo4j.
//
// Conversations own sessions through HAS_SESSION edges and codebases own
// commands through HAS_COMMAND edges. Timestamps are unix milliseconds.
package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/graph"
	"github.com/joss/agentgate/internal/store"
)

// Store implements storage using the graph database.
type Store struct {
	db graph.Driver
}

var _ store.SessionStorage = (*Store)(nil)

// New creates a store backed by the graph database.
func New(db graph.Driver) *Store {
	return &Store{db: db}
}

// schema uses Memgraph syntax. Neo4j rejects it; EnsureSchema reports that
// and the store still works without the constraints.
var schema = []string{
	`CREATE CONSTRAINT ON (c:Conversation) ASSERT c.key IS UNIQUE`,
	`CREATE CONSTRAINT ON (cb:Codebase) ASSERT cb.working_dir IS UNIQUE`,
	`CREATE INDEX ON :Conversation(id)`,
	`CREATE INDEX ON :Session(id)`,
	`CREATE INDEX ON :Codebase(id)`,
}

// EnsureSchema creates constraints and indexes. Errors are joined.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var errs []error
	for _, q := range schema {
		if _, err := s.db.ExecuteWrite(ctx, q, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.db.Ping(ctx))
}

func (s *Store) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// --- conversations ---

const conversationReturn = `
	RETURN c.id AS id, c.platform AS platform, c.external_id AS external_id,
	       c.codebase_id AS codebase_id, c.assistant_kind AS assistant_kind,
	       c.created_at AS created_at, c.updated_at AS updated_at`

func recordToConversation(r graph.Record) *domain.Conversation {
	return &domain.Conversation{
		ID:            r.String("id"),
		Platform:      domain.Platform(r.String("platform")),
		ExternalID:    r.String("external_id"),
		CodebaseID:    r.String("codebase_id"),
		AssistantKind: domain.AssistantKind(r.String("assistant_kind")),
		CreatedAt:     r.Millis("created_at"),
		UpdatedAt:     r.Millis("updated_at"),
	}
}

func (s *Store) GetConversation(ctx context.Context, platform domain.Platform, externalID string) (*domain.Conversation, error) {
	key := domain.ConversationKey(platform, externalID)
	records, err := s.db.Execute(ctx, `MATCH (c:Conversation {key: $key})`+conversationReturn, map[string]any{"key": key})
	if err != nil {
		return nil, store.Wrap("get conversation", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("conversation", key)
	}
	return recordToConversation(records[0]), nil
}

// CreateConversation merges on the composite key; a node that already
// existed comes back with a foreign id and is reported as a conflict.
func (s *Store) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	store.PrepareConversation(c)
	query := `
		MERGE (c:Conversation {key: $key})
		ON CREATE SET c.id = $id,
		              c.platform = $platform,
		              c.external_id = $external_id,
		              c.codebase_id = $codebase_id,
		              c.assistant_kind = $assistant_kind,
		              c.created_at = $created_at,
		              c.updated_at = $updated_at
		RETURN c.id AS id
	`
	records, err := s.db.ExecuteWrite(ctx, query, map[string]any{
		"key":            c.Key(),
		"id":             c.ID,
		"platform":       string(c.Platform),
		"external_id":    c.ExternalID,
		"codebase_id":    c.CodebaseID,
		"assistant_kind": string(c.AssistantKind),
		"created_at":     millis(c.CreatedAt),
		"updated_at":     millis(c.UpdatedAt),
	})
	if err != nil {
		return store.Wrap("create conversation", err)
	}
	if len(records) == 0 {
		return store.Wrap("create conversation", errors.New("merge returned no rows"))
	}
	if records[0].String("id") != c.ID {
		return store.NewConflictError("conversation", c.Key())
	}
	return nil
}

func (s *Store) SetConversationCodebase(ctx context.Context, conversationID, codebaseID string) error {
	records, err := s.db.ExecuteWrite(ctx, `
		MATCH (c:Conversation {id: $id})
		SET c.codebase_id = $codebase_id, c.updated_at = $now
		RETURN c.id AS id
	`, map[string]any{"id": conversationID, "codebase_id": codebaseID, "now": millis(store.Now())})
	if err != nil {
		return store.Wrap("set conversation codebase", err)
	}
	if len(records) == 0 {
		return store.NewNotFoundError("conversation", conversationID)
	}
	return nil
}

// --- sessions ---

const sessionReturn = `
	RETURN s.id AS id, s.conversation_id AS conversation_id, s.handle AS handle,
	       s.assistant_kind AS assistant_kind, s.active AS active, s.metadata AS metadata,
	       s.created_at AS created_at, s.ended_at AS ended_at`

func recordToSession(r graph.Record) (*domain.Session, error) {
	sess := &domain.Session{
		ID:             r.String("id"),
		ConversationID: r.String("conversation_id"),
		Handle:         r.String("handle"),
		AssistantKind:  domain.AssistantKind(r.String("assistant_kind")),
		Active:         r.Bool("active"),
		CreatedAt:      r.Millis("created_at"),
	}
	if ended := r.Millis("ended_at"); !ended.IsZero() {
		sess.EndedAt = &ended
	}
	md, err := decodeMetadata(r.String("metadata"))
	if err != nil {
		return nil, err
	}
	sess.Metadata = md
	return sess, nil
}

func decodeMetadata(raw string) (domain.SessionMetadata, error) {
	var m map[string]string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return domain.SessionMetadata{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return domain.DecodeMetadata(m)
}

func encodeMetadata(md domain.SessionMetadata) string {
	b, _ := json.Marshal(md.ToMap())
	return string(b)
}

func (s *Store) GetActiveSession(ctx context.Context, conversationID string) (*domain.Session, error) {
	records, err := s.db.Execute(ctx, `
		MATCH (:Conversation {id: $conversation_id})-[:HAS_SESSION]->(s:Session {active: true})`+sessionReturn+`
		LIMIT 1`, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, store.Wrap("get active session", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("active session", conversationID)
	}
	sess, err := recordToSession(records[0])
	return sess, store.Wrap("get active session", err)
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	records, err := s.db.Execute(ctx, `MATCH (s:Session {id: $id})`+sessionReturn, map[string]any{"id": id})
	if err != nil {
		return nil, store.Wrap("get session", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("session", id)
	}
	sess, err := recordToSession(records[0])
	return sess, store.Wrap("get session", err)
}

func (s *Store) ListSessions(ctx context.Context, conversationID string) ([]*domain.Session, error) {
	records, err := s.db.Execute(ctx, `
		MATCH (:Conversation {id: $conversation_id})-[:HAS_SESSION]->(s:Session)`+sessionReturn+`
		ORDER BY s.created_at DESC, s.id DESC`, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, store.Wrap("list sessions", err)
	}
	sessions := make([]*domain.Session, 0, len(records))
	for _, r := range records {
		sess, err := recordToSession(r)
		if err != nil {
			return nil, store.Wrap("list sessions", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// CreateSession deactivates the previous active session and creates the new
// one in a single write query.
func (s *Store) CreateSession(ctx context.Context, conversationID, handle string, kind domain.AssistantKind, md domain.SessionMetadata) (*domain.Session, error) {
	if err := domain.ValidatePatch(md.ToMap()); err != nil {
		return nil, err
	}
	sess := &domain.Session{
		ID:             store.NewSessionID(),
		ConversationID: conversationID,
		Handle:         handle,
		AssistantKind:  kind,
		Active:         true,
		Metadata:       md,
		CreatedAt:      store.Now(),
	}

	query := `
		MATCH (c:Conversation {id: $conversation_id})
		OPTIONAL MATCH (c)-[:HAS_SESSION]->(old:Session {active: true})
		SET old.active = false, old.ended_at = $now
		WITH DISTINCT c
		CREATE (c)-[:HAS_SESSION]->(s:Session {
			id: $id,
			conversation_id: $conversation_id,
			handle: $handle,
			assistant_kind: $assistant_kind,
			active: true,
			metadata: $metadata,
			created_at: $now,
			ended_at: 0
		})
		RETURN s.id AS id
	`
	records, err := s.db.ExecuteWrite(ctx, query, map[string]any{
		"conversation_id": conversationID,
		"id":              sess.ID,
		"handle":          handle,
		"assistant_kind":  string(kind),
		"metadata":        encodeMetadata(md),
		"now":             millis(sess.CreatedAt),
	})
	if err != nil {
		return nil, store.Wrap("create session", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("conversation", conversationID)
	}
	return sess, nil
}

// maxMetadataAttempts bounds the compare-and-set loop in UpdateSessionMetadata.
const maxMetadataAttempts = 5

func (s *Store) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]string) error {
	if err := domain.ValidatePatch(patch); err != nil {
		return err
	}
	for attempt := 0; attempt < maxMetadataAttempts; attempt++ {
		records, err := s.db.Execute(ctx, `MATCH (s:Session {id: $id}) RETURN s.metadata AS metadata`, map[string]any{"id": sessionID})
		if err != nil {
			return store.Wrap("update session metadata", err)
		}
		if len(records) == 0 {
			return store.NewNotFoundError("session", sessionID)
		}
		old := records[0].String("metadata")
		md, err := decodeMetadata(old)
		if err != nil {
			return store.Wrap("update session metadata", err)
		}
		md, err = md.Merge(patch)
		if err != nil {
			return err
		}

		updated, err := s.db.ExecuteWrite(ctx, `
			MATCH (s:Session {id: $id})
			WHERE s.metadata = $old
			SET s.metadata = $metadata
			RETURN s.id AS id
		`, map[string]any{"id": sessionID, "old": old, "metadata": encodeMetadata(md)})
		if err != nil {
			return store.Wrap("update session metadata", err)
		}
		if len(updated) > 0 {
			return nil
		}
	}
	return store.Wrap("update session metadata", fmt.Errorf("session %s: concurrent metadata updates", sessionID))
}

func (s *Store) UpdateSessionHandle(ctx context.Context, sessionID, handle string) error {
	records, err := s.db.ExecuteWrite(ctx, `
		MATCH (s:Session {id: $id}) SET s.handle = $handle RETURN s.id AS id
	`, map[string]any{"id": sessionID, "handle": handle})
	if err != nil {
		return store.Wrap("update session handle", err)
	}
	if len(records) == 0 {
		return store.NewNotFoundError("session", sessionID)
	}
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecuteWrite(ctx, `
		MATCH (:Conversation {id: $conversation_id})-[:HAS_SESSION]->(s:Session {active: true})
		SET s.active = false, s.ended_at = $now
	`, map[string]any{"conversation_id": conversationID, "now": millis(store.Now())})
	return store.Wrap("deactivate session", err)
}

// --- codebases ---

const codebaseReturn = `
	RETURN cb.id AS id, cb.name AS name, cb.repository_url AS repository_url,
	       cb.working_dir AS working_dir, cb.assistant_kind AS assistant_kind,
	       cb.created_at AS created_at, cb.updated_at AS updated_at`

func recordToCodebase(r graph.Record) *domain.Codebase {
	return &domain.Codebase{
		ID:            r.String("id"),
		Name:          r.String("name"),
		RepositoryURL: r.String("repository_url"),
		WorkingDir:    r.String("working_dir"),
		AssistantKind: domain.AssistantKind(r.String("assistant_kind")),
		CreatedAt:     r.Millis("created_at"),
		UpdatedAt:     r.Millis("updated_at"),
	}
}

func (s *Store) CreateCodebase(ctx context.Context, cb *domain.Codebase) error {
	store.PrepareCodebase(cb)
	records, err := s.db.ExecuteWrite(ctx, `
		MERGE (cb:Codebase {working_dir: $working_dir})
		ON CREATE SET cb.id = $id,
		              cb.name = $name,
		              cb.repository_url = $repository_url,
		              cb.assistant_kind = $assistant_kind,
		              cb.created_at = $created_at,
		              cb.updated_at = $updated_at
		RETURN cb.id AS id
	`, map[string]any{
		"working_dir":    cb.WorkingDir,
		"id":             cb.ID,
		"name":           cb.Name,
		"repository_url": cb.RepositoryURL,
		"assistant_kind": string(cb.AssistantKind),
		"created_at":     millis(cb.CreatedAt),
		"updated_at":     millis(cb.UpdatedAt),
	})
	if err != nil {
		return store.Wrap("create codebase", err)
	}
	if len(records) == 0 || records[0].String("id") != cb.ID {
		return store.NewConflictError("codebase", cb.WorkingDir)
	}
	return nil
}

func (s *Store) getCodebase(ctx context.Context, match, key string, params map[string]any) (*domain.Codebase, error) {
	records, err := s.db.Execute(ctx, match+codebaseReturn, params)
	if err != nil {
		return nil, store.Wrap("get codebase", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("codebase", key)
	}
	return recordToCodebase(records[0]), nil
}

func (s *Store) GetCodebase(ctx context.Context, id string) (*domain.Codebase, error) {
	return s.getCodebase(ctx, `MATCH (cb:Codebase {id: $id})`, id, map[string]any{"id": id})
}

func (s *Store) FindCodebaseByDir(ctx context.Context, dir string) (*domain.Codebase, error) {
	return s.getCodebase(ctx, `MATCH (cb:Codebase {working_dir: $dir})`, dir, map[string]any{"dir": dir})
}

func (s *Store) ListCodebases(ctx context.Context) ([]*domain.Codebase, error) {
	records, err := s.db.Execute(ctx, `MATCH (cb:Codebase)`+codebaseReturn+` ORDER BY cb.name`, nil)
	if err != nil {
		return nil, store.Wrap("list codebases", err)
	}
	out := make([]*domain.Codebase, 0, len(records))
	for _, r := range records {
		out = append(out, recordToCodebase(r))
	}
	return out, nil
}

// --- commands ---

const commandReturn = `
	RETURN cmd.id AS id, cmd.codebase_id AS codebase_id, cmd.name AS name,
	       cmd.template AS template, cmd.source_path AS source_path,
	       cmd.params AS params, cmd.updated_at AS updated_at`

func recordToCommand(r graph.Record) (*domain.Command, error) {
	cmd := &domain.Command{
		ID:         r.String("id"),
		CodebaseID: r.String("codebase_id"),
		Name:       r.String("name"),
		Template:   r.String("template"),
		SourcePath: r.String("source_path"),
		UpdatedAt:  r.Millis("updated_at"),
	}
	if raw := r.String("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cmd.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	return cmd, nil
}

func (s *Store) UpsertCommand(ctx context.Context, cmd *domain.Command) error {
	store.PrepareCommand(cmd)
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return store.Wrap("upsert command", err)
	}
	records, err := s.db.ExecuteWrite(ctx, `
		MATCH (cb:Codebase {id: $codebase_id})
		MERGE (cb)-[:HAS_COMMAND]->(cmd:Command {name: $name})
		ON CREATE SET cmd.id = $id, cmd.codebase_id = $codebase_id
		SET cmd.template = $template,
		    cmd.source_path = $source_path,
		    cmd.params = $params,
		    cmd.updated_at = $updated_at
		RETURN cmd.id AS id
	`, map[string]any{
		"codebase_id": cmd.CodebaseID,
		"name":        cmd.Name,
		"id":          cmd.ID,
		"template":    cmd.Template,
		"source_path": cmd.SourcePath,
		"params":      string(params),
		"updated_at":  millis(cmd.UpdatedAt),
	})
	if err != nil {
		return store.Wrap("upsert command", err)
	}
	if len(records) == 0 {
		return store.NewNotFoundError("codebase", cmd.CodebaseID)
	}
	cmd.ID = records[0].String("id")
	return nil
}

func (s *Store) GetCommand(ctx context.Context, codebaseID, name string) (*domain.Command, error) {
	name = store.NormalizeCommandName(name)
	records, err := s.db.Execute(ctx, `
		MATCH (:Codebase {id: $codebase_id})-[:HAS_COMMAND]->(cmd:Command {name: $name})`+commandReturn,
		map[string]any{"codebase_id": codebaseID, "name": name})
	if err != nil {
		return nil, store.Wrap("get command", err)
	}
	if len(records) == 0 {
		return nil, store.NewNotFoundError("command", name)
	}
	cmd, err := recordToCommand(records[0])
	return cmd, store.Wrap("get command", err)
}

func (s *Store) ListCommands(ctx context.Context, codebaseID string) ([]*domain.Command, error) {
	records, err := s.db.Execute(ctx, `
		MATCH (:Codebase {id: $codebase_id})-[:HAS_COMMAND]->(cmd:Command)`+commandReturn+`
		ORDER BY cmd.name`, map[string]any{"codebase_id": codebaseID})
	if err != nil {
		return nil, store.Wrap("list commands", err)
	}
	out := make([]*domain.Command, 0, len(records))
	for _, r := range records {
		cmd, err := recordToCommand(r)
		if err != nil {
			return nil, store.Wrap("list commands", err)
		}
		out = append(out, cmd)
	}
	return out, nil
}
