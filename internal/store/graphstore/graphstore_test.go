package graphstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/graph"
	"github.com/joss/agentgate/internal/store"
)

func TestCreateConversation(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"id": p["id"]}}, nil
	})
	s := New(fake)

	c := &domain.Conversation{Platform: domain.PlatformSlack, ExternalID: "C1", AssistantKind: domain.AssistantClaude}
	require.NoError(t, s.CreateConversation(context.Background(), c))

	call := fake.LastCall()
	assert.True(t, call.Write)
	assert.Contains(t, call.Query, "MERGE (c:Conversation {key: $key})")
	assert.Equal(t, "slack:C1", call.Params["key"])
	assert.Equal(t, c.ID, call.Params["id"])
}

func TestCreateConversationConflict(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"id": "someone-else"}}, nil
	})
	s := New(fake)

	err := s.CreateConversation(context.Background(), &domain.Conversation{Platform: domain.PlatformSlack, ExternalID: "C1"})
	assert.True(t, store.IsConflict(err))
}

func TestGetConversation(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		if p["key"] != "github:org/repo#1" {
			return nil, nil
		}
		return []graph.Record{{
			"id":             "conv-1",
			"platform":       "github",
			"external_id":    "org/repo#1",
			"codebase_id":    "cb-1",
			"assistant_kind": "codex",
			"created_at":     created.UnixMilli(),
			"updated_at":     created.UnixMilli(),
		}}, nil
	})
	s := New(fake)
	ctx := context.Background()

	c, err := s.GetConversation(ctx, domain.PlatformGitHub, "org/repo#1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", c.ID)
	assert.Equal(t, domain.AssistantCodex, c.AssistantKind)
	assert.Equal(t, "cb-1", c.CodebaseID)
	assert.True(t, created.Equal(c.CreatedAt))

	_, err = s.GetConversation(ctx, domain.PlatformGitHub, "other")
	assert.True(t, store.IsNotFound(err))
}

func TestCreateSessionSingleWrite(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		if p["conversation_id"] == "missing" {
			return nil, nil
		}
		return []graph.Record{{"id": p["id"]}}, nil
	})
	s := New(fake)
	ctx := context.Background()

	md := domain.SessionMetadata{LastCommand: "plan"}
	sess, err := s.CreateSession(ctx, "conv-1", "h1", domain.AssistantClaude, md)
	require.NoError(t, err)
	assert.True(t, sess.Active)
	assert.Equal(t, "h1", sess.Handle)

	require.Len(t, fake.Calls, 1, "deactivate and insert must be one query")
	call := fake.Calls[0]
	assert.True(t, call.Write)
	assert.Contains(t, call.Query, "SET old.active = false")
	assert.Contains(t, call.Query, "CREATE (c)-[:HAS_SESSION]->(s:Session")
	assert.JSONEq(t, `{"last_command":"plan"}`, call.Params["metadata"].(string))

	_, err = s.CreateSession(ctx, "missing", "", domain.AssistantClaude, domain.SessionMetadata{})
	assert.True(t, store.IsNotFound(err))
}

func TestCreateSessionRejectsBadMetadata(t *testing.T) {
	fake := graph.NewFakeDriver(nil)
	s := New(fake)
	_, err := s.CreateSession(context.Background(), "c", "", domain.AssistantClaude,
		domain.SessionMetadata{Extra: map[string]string{"Bad": "x"}})
	assert.ErrorIs(t, err, store.ErrInvalidMetadata)
	assert.Empty(t, fake.Calls)
}

func TestRecordToSession(t *testing.T) {
	sess, err := recordToSession(graph.Record{
		"id":              "s1",
		"conversation_id": "c1",
		"handle":          "thread-1",
		"assistant_kind":  "codex",
		"active":          false,
		"metadata":        `{"artifact_kind":"plan","artifact_value":"x","branch":"dev"}`,
		"created_at":      int64(1000),
		"ended_at":        int64(2000),
	})
	require.NoError(t, err)
	assert.False(t, sess.Active)
	require.NotNil(t, sess.EndedAt)
	assert.Equal(t, int64(2000), sess.EndedAt.UnixMilli())
	assert.Equal(t, "plan", sess.Metadata.ArtifactKind)
	assert.Equal(t, "dev", sess.Metadata.Extra["branch"])

	active, err := recordToSession(graph.Record{"id": "s2", "active": true, "ended_at": int64(0)})
	require.NoError(t, err)
	assert.Nil(t, active.EndedAt)
}

func TestUpdateSessionMetadataRetriesOnRace(t *testing.T) {
	current := `{"last_command":"plan"}`
	writes := 0
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		if strings.Contains(q, "RETURN s.metadata AS metadata") {
			return []graph.Record{{"metadata": current}}, nil
		}
		writes++
		if writes == 1 {
			// someone else wrote in between
			current = `{"last_command":"other"}`
			return nil, nil
		}
		if p["old"] != current {
			return nil, nil
		}
		current = p["metadata"].(string)
		return []graph.Record{{"id": p["id"]}}, nil
	})
	s := New(fake)

	err := s.UpdateSessionMetadata(context.Background(), "s1", map[string]string{"artifact_kind": "plan"})
	require.NoError(t, err)
	assert.Equal(t, 2, writes)
	assert.JSONEq(t, `{"last_command":"other","artifact_kind":"plan"}`, current)
}

func TestUpdateSessionMetadataNotFound(t *testing.T) {
	s := New(graph.NewFakeDriver(nil))
	err := s.UpdateSessionMetadata(context.Background(), "s1", map[string]string{"a": "b"})
	assert.True(t, store.IsNotFound(err))
}

func TestDriverErrorsAreStorageErrors(t *testing.T) {
	boom := errors.New("connection refused")
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		return nil, boom
	})
	fake.PingErr = boom
	s := New(fake)
	ctx := context.Background()

	_, err := s.GetActiveSession(ctx, "c1")
	assert.True(t, store.IsStorage(err))
	assert.ErrorIs(t, err, boom)
	assert.True(t, store.IsStorage(s.Ping(ctx)))
	assert.True(t, store.IsStorage(s.DeactivateSession(ctx, "c1")))
}

func TestUpsertCommand(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		if p["codebase_id"] == "missing" {
			return nil, nil
		}
		return []graph.Record{{"id": "existing-id"}}, nil
	})
	s := New(fake)
	ctx := context.Background()

	cmd := &domain.Command{CodebaseID: "cb1", Name: "Plan", Template: "t", Params: domain.CommandParams{Produces: "plan"}}
	require.NoError(t, s.UpsertCommand(ctx, cmd))
	assert.Equal(t, "existing-id", cmd.ID)
	assert.Equal(t, "plan", fake.LastCall().Params["name"])
	assert.JSONEq(t, `{"produces":"plan"}`, fake.LastCall().Params["params"].(string))

	err := s.UpsertCommand(ctx, &domain.Command{CodebaseID: "missing", Name: "x"})
	assert.True(t, store.IsNotFound(err))
}

func TestListCommands(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		return []graph.Record{
			{"id": "1", "codebase_id": "cb", "name": "execute", "template": "run ${plan}", "params": `{"consumes":"plan"}`},
			{"id": "2", "codebase_id": "cb", "name": "plan", "template": "plan $ARGUMENTS", "params": ""},
		}, nil
	})
	s := New(fake)

	cmds, err := s.ListCommands(context.Background(), "cb")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "plan", cmds[0].Params.Consumes)
	assert.Equal(t, "plan", cmds[1].Name)
}

func TestCreateCodebaseConflict(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		return []graph.Record{{"id": "other"}}, nil
	})
	s := New(fake)
	err := s.CreateCodebase(context.Background(), &domain.Codebase{Name: "api", WorkingDir: "/src/api"})
	assert.True(t, store.IsConflict(err))
}

func TestEnsureSchemaJoinsErrors(t *testing.T) {
	fake := graph.NewFakeDriver(func(q string, p map[string]any) ([]graph.Record, error) {
		if strings.HasPrefix(q, "CREATE CONSTRAINT") {
			return nil, errors.New("unsupported")
		}
		return nil, nil
	})
	err := New(fake).EnsureSchema(context.Background())
	assert.Error(t, err)
	assert.Len(t, fake.Calls, len(schema))
}
