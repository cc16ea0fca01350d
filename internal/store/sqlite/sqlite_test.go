package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/store"
)

func openTest(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newConversation(t *testing.T, s *Storage, ext string) *domain.Conversation {
	t.Helper()
	c := &domain.Conversation{Platform: domain.PlatformSlack, ExternalID: ext, AssistantKind: domain.AssistantClaude}
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}

func TestConversationCreateGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.GetConversation(ctx, domain.PlatformSlack, "C1")
	assert.True(t, store.IsNotFound(err))

	c := newConversation(t, s, "C1")
	assert.NotEmpty(t, c.ID)

	got, err := s.GetConversation(ctx, domain.PlatformSlack, "C1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, domain.AssistantClaude, got.AssistantKind)
	assert.Empty(t, got.CodebaseID)

	// same thread on another platform is a different conversation
	other := &domain.Conversation{Platform: domain.PlatformDiscord, ExternalID: "C1", AssistantKind: domain.AssistantCodex}
	require.NoError(t, s.CreateConversation(ctx, other))
}

func TestConversationConflict(t *testing.T) {
	s := openTest(t)
	newConversation(t, s, "C1")

	dup := &domain.Conversation{Platform: domain.PlatformSlack, ExternalID: "C1", AssistantKind: domain.AssistantClaude}
	err := s.CreateConversation(context.Background(), dup)
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	assert.False(t, store.IsStorage(err))
}

func TestSessionRoundTripAndSupersession(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "C1")

	_, err := s.GetActiveSession(ctx, c.ID)
	assert.True(t, store.IsNotFound(err))

	md := domain.SessionMetadata{LastCommand: "plan", Extra: map[string]string{"branch": "main"}}
	first, err := s.CreateSession(ctx, c.ID, "h-1", domain.AssistantClaude, md)
	require.NoError(t, err)

	got, err := s.GetActiveSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "h-1", got.Handle)
	assert.True(t, got.Active)
	assert.Equal(t, md, got.Metadata)

	second, err := s.CreateSession(ctx, c.ID, "", domain.AssistantClaude, domain.SessionMetadata{})
	require.NoError(t, err)

	got, err = s.GetActiveSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	prev, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, prev.Active)
	assert.NotNil(t, prev.EndedAt)
	assert.Equal(t, "h-1", prev.Handle)

	all, err := s.ListSessions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)
}

func TestCreateSessionUnknownConversation(t *testing.T) {
	s := openTest(t)
	_, err := s.CreateSession(context.Background(), "missing", "", domain.AssistantClaude, domain.SessionMetadata{})
	assert.True(t, store.IsNotFound(err))
}

func TestSingleActiveUnderConcurrentCreate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "race")

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(ctx, c.ID, "", domain.AssistantClaude, domain.SessionMetadata{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := s.ListSessions(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, n)

	active := 0
	for _, sess := range all {
		if sess.Active {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestUpdateSessionMetadata(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "C1")
	sess, err := s.CreateSession(ctx, c.ID, "", domain.AssistantCodex, domain.SessionMetadata{Extra: map[string]string{"branch": "main"}})
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionMetadata(ctx, sess.ID, map[string]string{
		"artifact_kind":  "plan",
		"artifact_value": "1. do it",
		"branch":         "",
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan", got.Metadata.ArtifactKind)
	assert.Equal(t, "1. do it", got.Metadata.ArtifactValue)
	assert.Nil(t, got.Metadata.Extra)

	err = s.UpdateSessionMetadata(ctx, sess.ID, map[string]string{"Bad-Key": "x"})
	assert.ErrorIs(t, err, store.ErrInvalidMetadata)

	err = s.UpdateSessionMetadata(ctx, sess.ID, map[string]string{"big": strings.Repeat("x", domain.MaxMetadataValue+1)})
	assert.ErrorIs(t, err, store.ErrInvalidMetadata)

	err = s.UpdateSessionMetadata(ctx, "nope", map[string]string{"a": "b"})
	assert.True(t, store.IsNotFound(err))
}

func TestUpdateHandleAndDeactivate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "C1")
	sess, err := s.CreateSession(ctx, c.ID, "", domain.AssistantCodex, domain.SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionHandle(ctx, sess.ID, "thread-9"))
	got, err := s.GetActiveSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "thread-9", got.Handle)

	assert.True(t, store.IsNotFound(s.UpdateSessionHandle(ctx, "nope", "x")))

	require.NoError(t, s.DeactivateSession(ctx, c.ID))
	_, err = s.GetActiveSession(ctx, c.ID)
	assert.True(t, store.IsNotFound(err))

	// deactivating with nothing active is a no-op
	require.NoError(t, s.DeactivateSession(ctx, c.ID))
}

func TestCodebases(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	cb := &domain.Codebase{Name: "api", WorkingDir: "/src/api", AssistantKind: domain.AssistantClaude}
	require.NoError(t, s.CreateCodebase(ctx, cb))
	assert.NotEmpty(t, cb.ID)

	dup := &domain.Codebase{Name: "api2", WorkingDir: "/src/api", AssistantKind: domain.AssistantClaude}
	assert.True(t, store.IsConflict(s.CreateCodebase(ctx, dup)))

	got, err := s.FindCodebaseByDir(ctx, "/src/api")
	require.NoError(t, err)
	assert.Equal(t, cb.ID, got.ID)

	got, err = s.GetCodebase(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, "api", got.Name)

	_, err = s.GetCodebase(ctx, "missing")
	assert.True(t, store.IsNotFound(err))

	list, err := s.ListCodebases(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	c := newConversation(t, s, "C1")
	require.NoError(t, s.SetConversationCodebase(ctx, c.ID, cb.ID))
	conv, err := s.GetConversation(ctx, domain.PlatformSlack, "C1")
	require.NoError(t, err)
	assert.Equal(t, cb.ID, conv.CodebaseID)

	assert.True(t, store.IsNotFound(s.SetConversationCodebase(ctx, "missing", cb.ID)))
}

func TestCommandsUpsert(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	cb := &domain.Codebase{Name: "api", WorkingDir: "/src/api", AssistantKind: domain.AssistantClaude}
	require.NoError(t, s.CreateCodebase(ctx, cb))

	cmd := &domain.Command{CodebaseID: cb.ID, Name: "Plan", Template: "plan $ARGUMENTS", Params: domain.CommandParams{Produces: "plan"}}
	require.NoError(t, s.UpsertCommand(ctx, cmd))
	firstID := cmd.ID

	again := &domain.Command{CodebaseID: cb.ID, Name: "plan", Template: "v2 $1"}
	require.NoError(t, s.UpsertCommand(ctx, again))
	assert.Equal(t, firstID, again.ID, "upsert keeps the original id")

	got, err := s.GetCommand(ctx, cb.ID, "PLAN")
	require.NoError(t, err)
	assert.Equal(t, "v2 $1", got.Template)
	assert.Empty(t, got.Params.Produces)

	_, err = s.GetCommand(ctx, cb.ID, "missing")
	assert.True(t, store.IsNotFound(err))

	require.NoError(t, s.UpsertCommand(ctx, &domain.Command{CodebaseID: cb.ID, Name: "execute", Template: "x", Params: domain.CommandParams{Consumes: "plan", MinArgs: 1}}))
	list, err := s.ListCommands(ctx, cb.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "execute", list[0].Name)
	assert.Equal(t, "plan", list[0].Params.Consumes)
	assert.Equal(t, 1, list[0].Params.MinArgs)

	err = s.UpsertCommand(ctx, &domain.Command{CodebaseID: "missing", Name: "x", Template: "y"})
	assert.True(t, store.IsNotFound(err))
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	c := &domain.Conversation{Platform: domain.PlatformTelegram, ExternalID: "42", AssistantKind: domain.AssistantCodex}
	require.NoError(t, s.CreateConversation(ctx, c))
	sess, err := s.CreateSession(ctx, c.ID, "thread-1", domain.AssistantCodex, domain.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(ctx))

	got, err := s.GetActiveSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "thread-1", got.Handle)
}
