// Package sqlite implements store.SessionStorage on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/store"
)

// Storage is the SQLite engine.
type Storage struct {
	db   *sql.DB
	path string
}

var _ store.SessionStorage = (*Storage)(nil)

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Storage{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *Storage) Path() string { return s.path }

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS codebases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		repository_url TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL UNIQUE,
		assistant_kind TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		external_id TEXT NOT NULL,
		codebase_id TEXT REFERENCES codebases(id),
		assistant_kind TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (platform, external_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		handle TEXT NOT NULL DEFAULT '',
		assistant_kind TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON sessions(conversation_id) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_sessions_conversation
		ON sessions(conversation_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		codebase_id TEXT NOT NULL REFERENCES codebases(id),
		name TEXT NOT NULL,
		template TEXT NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		params_json TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME NOT NULL,
		UNIQUE (codebase_id, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks database connectivity.
func (s *Storage) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.db.PingContext(ctx))
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func isUnique(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Conversation operations

func (s *Storage) GetConversation(ctx context.Context, platform domain.Platform, externalID string) (*domain.Conversation, error) {
	var c domain.Conversation
	var codebaseID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, platform, external_id, codebase_id, assistant_kind, created_at, updated_at
		FROM conversations WHERE platform = ? AND external_id = ?
	`, string(platform), externalID).Scan(&c.ID, &c.Platform, &c.ExternalID, &codebaseID, &c.AssistantKind, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("conversation", domain.ConversationKey(platform, externalID))
	}
	if err != nil {
		return nil, store.Wrap("get conversation", err)
	}
	c.CodebaseID = codebaseID.String
	return &c, nil
}

func (s *Storage) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	store.PrepareConversation(c)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, platform, external_id, codebase_id, assistant_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, string(c.Platform), c.ExternalID, nullString(c.CodebaseID), string(c.AssistantKind), c.CreatedAt, c.UpdatedAt)
	if isUnique(err) {
		return store.NewConflictError("conversation", c.Key())
	}
	return store.Wrap("create conversation", err)
}

func (s *Storage) SetConversationCodebase(ctx context.Context, conversationID, codebaseID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET codebase_id = ?, updated_at = ? WHERE id = ?
	`, nullString(codebaseID), store.Now(), conversationID)
	if err != nil {
		return store.Wrap("set conversation codebase", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewNotFoundError("conversation", conversationID)
	}
	return nil
}

// Session operations

const sessionCols = `id, conversation_id, handle, assistant_kind, active, metadata_json, created_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var active int
	var mdJSON string
	var ended sql.NullTime
	if err := row.Scan(&sess.ID, &sess.ConversationID, &sess.Handle, &sess.AssistantKind, &active, &mdJSON, &sess.CreatedAt, &ended); err != nil {
		return nil, err
	}
	sess.Active = active == 1
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	md, err := decodeMetadata(mdJSON)
	if err != nil {
		return nil, err
	}
	sess.Metadata = md
	return &sess, nil
}

func decodeMetadata(raw string) (domain.SessionMetadata, error) {
	var m map[string]string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return domain.SessionMetadata{}, fmt.Errorf("decode metadata_json: %w", err)
		}
	}
	return domain.DecodeMetadata(m)
}

func encodeMetadata(md domain.SessionMetadata) (string, error) {
	b, err := json.Marshal(md.ToMap())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Storage) GetActiveSession(ctx context.Context, conversationID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE conversation_id = ? AND active = 1`, conversationID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("active session", conversationID)
	}
	if err != nil {
		return nil, store.Wrap("get active session", err)
	}
	return sess, nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("session", id)
	}
	if err != nil {
		return nil, store.Wrap("get session", err)
	}
	return sess, nil
}

func (s *Storage) ListSessions(ctx context.Context, conversationID string) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM sessions WHERE conversation_id = ? ORDER BY created_at DESC, id DESC
	`, conversationID)
	if err != nil {
		return nil, store.Wrap("list sessions", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, store.Wrap("list sessions", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, store.Wrap("list sessions", rows.Err())
}

func (s *Storage) CreateSession(ctx context.Context, conversationID, handle string, kind domain.AssistantKind, md domain.SessionMetadata) (*domain.Session, error) {
	if err := domain.ValidatePatch(md.ToMap()); err != nil {
		return nil, err
	}
	mdJSON, err := encodeMetadata(md)
	if err != nil {
		return nil, store.Wrap("create session", err)
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

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NewNotFoundError("conversation", conversationID)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET active = 0, ended_at = ? WHERE conversation_id = ? AND active = 1
		`, sess.CreatedAt, conversationID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, conversation_id, handle, assistant_kind, active, metadata_json, created_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
		`, sess.ID, conversationID, handle, string(kind), mdJSON, sess.CreatedAt)
		if isUnique(err) {
			return store.NewConflictError("active session", conversationID)
		}
		return err
	})
	if err != nil {
		return nil, store.Wrap("create session", err)
	}
	return sess, nil
}

func (s *Storage) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]string) error {
	if err := domain.ValidatePatch(patch); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NewNotFoundError("session", sessionID)
		}
		if err != nil {
			return err
		}
		md, err := decodeMetadata(raw)
		if err != nil {
			return err
		}
		md, err = md.Merge(patch)
		if err != nil {
			return err
		}
		out, err := encodeMetadata(md)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET metadata_json = ? WHERE id = ?`, out, sessionID)
		return err
	})
	return store.Wrap("update session metadata", err)
}

func (s *Storage) UpdateSessionHandle(ctx context.Context, sessionID, handle string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET handle = ? WHERE id = ?`, handle, sessionID)
	if err != nil {
		return store.Wrap("update session handle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewNotFoundError("session", sessionID)
	}
	return nil
}

func (s *Storage) DeactivateSession(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = 0, ended_at = ? WHERE conversation_id = ? AND active = 1
	`, store.Now(), conversationID)
	return store.Wrap("deactivate session", err)
}

// Codebase operations

const codebaseCols = `id, name, repository_url, working_dir, assistant_kind, created_at, updated_at`

func scanCodebase(row rowScanner) (*domain.Codebase, error) {
	var cb domain.Codebase
	if err := row.Scan(&cb.ID, &cb.Name, &cb.RepositoryURL, &cb.WorkingDir, &cb.AssistantKind, &cb.CreatedAt, &cb.UpdatedAt); err != nil {
		return nil, err
	}
	return &cb, nil
}

func (s *Storage) CreateCodebase(ctx context.Context, cb *domain.Codebase) error {
	store.PrepareCodebase(cb)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO codebases (`+codebaseCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cb.ID, cb.Name, cb.RepositoryURL, cb.WorkingDir, string(cb.AssistantKind), cb.CreatedAt, cb.UpdatedAt)
	if isUnique(err) {
		return store.NewConflictError("codebase", cb.WorkingDir)
	}
	return store.Wrap("create codebase", err)
}

func (s *Storage) GetCodebase(ctx context.Context, id string) (*domain.Codebase, error) {
	cb, err := scanCodebase(s.db.QueryRowContext(ctx, `SELECT `+codebaseCols+` FROM codebases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("codebase", id)
	}
	return cb, store.Wrap("get codebase", err)
}

func (s *Storage) FindCodebaseByDir(ctx context.Context, dir string) (*domain.Codebase, error) {
	cb, err := scanCodebase(s.db.QueryRowContext(ctx, `SELECT `+codebaseCols+` FROM codebases WHERE working_dir = ?`, dir))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("codebase", dir)
	}
	return cb, store.Wrap("find codebase", err)
}

func (s *Storage) ListCodebases(ctx context.Context) ([]*domain.Codebase, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+codebaseCols+` FROM codebases ORDER BY name`)
	if err != nil {
		return nil, store.Wrap("list codebases", err)
	}
	defer rows.Close()

	var out []*domain.Codebase
	for rows.Next() {
		cb, err := scanCodebase(rows)
		if err != nil {
			return nil, store.Wrap("list codebases", err)
		}
		out = append(out, cb)
	}
	return out, store.Wrap("list codebases", rows.Err())
}

// Command operations

const commandCols = `id, codebase_id, name, template, source_path, params_json, updated_at`

func scanCommand(row rowScanner) (*domain.Command, error) {
	var cmd domain.Command
	var params string
	if err := row.Scan(&cmd.ID, &cmd.CodebaseID, &cmd.Name, &cmd.Template, &cmd.SourcePath, &params, &cmd.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &cmd.Params); err != nil {
		return nil, fmt.Errorf("decode params_json: %w", err)
	}
	return &cmd, nil
}

func (s *Storage) UpsertCommand(ctx context.Context, cmd *domain.Command) error {
	store.PrepareCommand(cmd)
	params, err := json.Marshal(cmd.Params)
	if err != nil {
		return store.Wrap("upsert command", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO commands (`+commandCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (codebase_id, name) DO UPDATE SET
			template = excluded.template,
			source_path = excluded.source_path,
			params_json = excluded.params_json,
			updated_at = excluded.updated_at
		RETURNING id
	`, cmd.ID, cmd.CodebaseID, cmd.Name, cmd.Template, cmd.SourcePath, string(params), cmd.UpdatedAt).Scan(&cmd.ID)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return store.NewNotFoundError("codebase", cmd.CodebaseID)
	}
	return store.Wrap("upsert command", err)
}

func (s *Storage) GetCommand(ctx context.Context, codebaseID, name string) (*domain.Command, error) {
	name = store.NormalizeCommandName(name)
	cmd, err := scanCommand(s.db.QueryRowContext(ctx, `
		SELECT `+commandCols+` FROM commands WHERE codebase_id = ? AND name = ?
	`, codebaseID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("command", name)
	}
	return cmd, store.Wrap("get command", err)
}

func (s *Storage) ListCommands(ctx context.Context, codebaseID string) ([]*domain.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandCols+` FROM commands WHERE codebase_id = ? ORDER BY name
	`, codebaseID)
	if err != nil {
		return nil, store.Wrap("list commands", err)
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, store.Wrap("list commands", err)
		}
		out = append(out, cmd)
	}
	return out, store.Wrap("list commands", rows.Err())
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
