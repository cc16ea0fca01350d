package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/exec"
)

func collect(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func terminal(t *testing.T, chunks []Chunk) Chunk {
	t.Helper()
	require.NotEmpty(t, chunks)
	n := 0
	for _, c := range chunks {
		if c.Terminal() {
			n++
		}
	}
	require.Equal(t, 1, n, "exactly one terminal chunk")
	last := chunks[len(chunks)-1]
	require.True(t, last.Terminal(), "terminal chunk comes last")
	return last
}

var claudeSuccess = []string{
	`{"type":"system","subtype":"init","session_id":"sess-1","tools":["Bash"]}`,
	`warning: something printed by a wrapper`,
	`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"Looking at it."}]},"session_id":"sess-1"}`,
	`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu1","name":"Bash","input":{"command":"go test ./..."}}]},"session_id":"sess-1"}`,
	`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"ok  pkg 0.1s"}]},"session_id":"sess-1"}`,
	`{"type":"assistant","message":{"content":[{"type":"text","text":"   "},{"type":"text","text":"All tests pass."}]},"session_id":"sess-1"}`,
	`{"type":"result","subtype":"success","is_error":false,"result":"All tests pass.","session_id":"sess-2"}`,
}

func TestClaudeStreamSuccess(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: claudeSuccess})
	b := NewClaude(Options{Launcher: l, Binary: "/usr/bin/claude"})

	s, err := b.Start(context.Background(), Request{WorkingDir: "/work", Prompt: "run tests"})
	require.NoError(t, err)
	defer s.Close()

	chunks := collect(t, s)
	assert.Equal(t, ChunkDone, terminal(t, chunks).Kind)
	require.Len(t, chunks, 5)
	assert.Equal(t, Chunk{Kind: ChunkText, Text: "Looking at it."}, chunks[0])
	assert.Equal(t, Chunk{Kind: ChunkToolCall, Tool: "Bash", Text: "go test ./..."}, chunks[1])
	assert.Equal(t, Chunk{Kind: ChunkToolResult, Tool: "Bash", Text: "ok  pkg 0.1s"}, chunks[2])
	assert.Equal(t, Chunk{Kind: ChunkText, Text: "All tests pass."}, chunks[3])
	assert.Equal(t, "sess-2", s.Handle())

	calls := l.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/usr/bin/claude", calls[0].Name)
	assert.Equal(t, "/work", calls[0].Dir)
	assert.Equal(t, []string{"--print", "--output-format", "stream-json", "--verbose", "--", "run tests"}, calls[0].Args)
}

func TestClaudeResumeArgs(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: []string{`{"type":"result","subtype":"success","result":""}`}})
	b := NewClaude(Options{Launcher: l})

	s, err := b.Start(context.Background(), Request{WorkingDir: "/w", Prompt: "next", ResumeHandle: "sess-9"})
	require.NoError(t, err)
	chunks := collect(t, s)
	assert.Equal(t, ChunkDone, terminal(t, chunks).Kind)
	assert.Equal(t, "sess-9", s.Handle(), "resume handle survives when none is reported")
	assert.Contains(t, l.Calls()[0].Args, "--resume")
	assert.Contains(t, l.Calls()[0].Args, "sess-9")
	assert.Equal(t, "claude", l.Calls()[0].Name)
}

func TestClaudeErrorResult(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{
		Lines:    []string{`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"rate limited","session_id":"s"}`},
		ExitCode: 1,
		Stderr:   "trace...",
	})
	s, err := NewClaude(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	last := terminal(t, collect(t, s))
	require.Equal(t, ChunkError, last.Kind)
	var be *BackendError
	require.True(t, errors.As(last.Err, &be))
	assert.Equal(t, "rate limited", be.Reason)
	assert.Equal(t, domain.AssistantClaude, be.Kind)
	assert.Contains(t, last.Text, "trace...")
	assert.Equal(t, "s", s.Handle())
}

func TestNonZeroExitWithoutResult(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{
		Lines:    []string{`{"type":"system","subtype":"init","session_id":"s"}`},
		ExitCode: 2,
		Stderr:   "fatal: not logged in",
	})
	s, err := NewClaude(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	last := terminal(t, collect(t, s))
	require.Equal(t, ChunkError, last.Kind)
	var be *BackendError
	require.True(t, errors.As(last.Err, &be))
	assert.Equal(t, 2, be.ExitCode)
	assert.Contains(t, be.Error(), "fatal: not logged in")
}

func TestMissingTerminalEvent(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: []string{`{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}`}})
	s, err := NewClaude(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	chunks := collect(t, s)
	last := terminal(t, chunks)
	assert.Equal(t, ChunkError, last.Kind)
	assert.Equal(t, "partial", chunks[0].Text)
	assert.Contains(t, last.Text, "without a result")
}

func TestSpawnFailure(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{LaunchErr: errors.New("executable not found")})
	s, err := NewCodex(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x", ResumeHandle: "th"})
	require.NoError(t, err)

	last := terminal(t, collect(t, s))
	assert.Equal(t, ChunkError, last.Kind)
	assert.True(t, IsBackend(last.Err))
	assert.Contains(t, last.Text, "executable not found")
	assert.Equal(t, "th", s.Handle())
	s.Close()
	s.Close()
}

func TestInvalidRequest(t *testing.T) {
	b := NewClaude(Options{Launcher: exec.NewFakeLauncher(exec.Script{})})
	_, err := b.Start(context.Background(), Request{WorkingDir: "/w", Prompt: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = b.Start(context.Background(), Request{Prompt: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

var codexSuccess = []string{
	`{"type":"thread.started","thread_id":"th-1"}`,
	`{"type":"turn.started"}`,
	`{"type":"item.completed","item":{"id":"i0","type":"reasoning","text":"**Planning**"}}`,
	`{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"ls","status":"in_progress"}}`,
	`{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"ls","aggregated_output":"main.go\n","exit_code":0,"status":"completed"}}`,
	`{"type":"item.completed","item":{"id":"i2","type":"file_change","changes":[{"path":"main.go","kind":"update"}]}}`,
	`{"type":"item.completed","item":{"id":"i3","type":"agent_message","text":"Done."}}`,
	`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":3}}`,
}

func TestCodexStreamSuccess(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: codexSuccess})
	s, err := NewCodex(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "list"})
	require.NoError(t, err)

	chunks := collect(t, s)
	assert.Equal(t, ChunkDone, terminal(t, chunks).Kind)
	require.Len(t, chunks, 5)
	assert.Equal(t, Chunk{Kind: ChunkToolCall, Tool: "shell", Text: "ls"}, chunks[0])
	assert.Equal(t, Chunk{Kind: ChunkToolResult, Tool: "shell", Text: "main.go"}, chunks[1])
	assert.Equal(t, Chunk{Kind: ChunkToolResult, Tool: "apply_patch", Text: "update main.go"}, chunks[2])
	assert.Equal(t, Chunk{Kind: ChunkText, Text: "Done."}, chunks[3])
	assert.Equal(t, "th-1", s.Handle())

	assert.Equal(t, []string{"exec", "--json", "--skip-git-repo-check", "list"}, l.Calls()[0].Args)
}

func TestCodexResumeArgs(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: []string{`{"type":"thread.started","thread_id":"th-1"}`, `{"type":"turn.completed"}`}})
	s, err := NewCodex(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "go on", ResumeHandle: "th-1"})
	require.NoError(t, err)
	collect(t, s)
	assert.Equal(t, []string{"exec", "--json", "--skip-git-repo-check", "resume", "th-1", "go on"}, l.Calls()[0].Args)
}

func TestCodexTurnFailed(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: []string{
		`{"type":"thread.started","thread_id":"th-1"}`,
		`{"type":"error","message":"stream disconnected, retrying 1/5"}`,
		`{"type":"turn.failed","error":{"message":"usage limit reached"}}`,
	}, ExitCode: 1})
	s, err := NewCodex(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	last := terminal(t, collect(t, s))
	require.Equal(t, ChunkError, last.Kind)
	assert.Contains(t, last.Text, "usage limit reached")
	assert.Equal(t, "th-1", s.Handle())
}

func TestCodexRetriedErrorStillSucceeds(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Lines: []string{
		`{"type":"error","message":"reconnecting 1/5"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"ok"}}`,
		`{"type":"turn.completed"}`,
	}})
	s, err := NewCodex(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, ChunkDone, terminal(t, collect(t, s)).Kind)
}

func TestNoisePatterns(t *testing.T) {
	f, err := NewFilter([]string{`"subtype":"debug"`})
	require.NoError(t, err)

	assert.True(t, f.Drop([]byte("")))
	assert.True(t, f.Drop([]byte("Loading config...")))
	assert.True(t, f.Drop([]byte(`{"type":"system","subtype":"debug"}`)))
	assert.False(t, f.Drop([]byte(`  {"type":"assistant"}`)))

	var nilFilter *Filter
	assert.False(t, nilFilter.Drop([]byte(`{}`)))

	_, err = NewFilter([]string{"("})
	assert.Error(t, err)
}

func TestCloseKillsBackendPromptly(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{
		Lines: []string{`{"type":"assistant","message":{"content":[{"type":"text","text":"one"}]}}`},
		Hang:  true,
	})
	s, err := NewClaude(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	c := <-s.Chunks()
	assert.Equal(t, "one", c.Text)

	start := time.Now()
	s.Close()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, l.Processes()[0].Killed())
	assert.Eventually(t, func() bool { return l.Running() == 0 }, time.Second, 5*time.Millisecond)

	_, open := <-s.Chunks()
	assert.False(t, open)
}

func TestCloseWithoutDraining(t *testing.T) {
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = `{"type":"assistant","message":{"content":[{"type":"text","text":"x"}]}}`
	}
	l := exec.NewFakeLauncher(exec.Script{Lines: lines})
	s, err := NewClaude(Options{Launcher: l}).Start(context.Background(), Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)

	s.Close()
	assert.Eventually(t, func() bool { return l.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestContextCancelEndsWithError(t *testing.T) {
	l := exec.NewFakeLauncher(exec.Script{Hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewCodex(Options{Launcher: l}).Start(ctx, Request{WorkingDir: "/w", Prompt: "x"})
	require.NoError(t, err)
	defer s.Close()

	cancel()
	last := terminal(t, collect(t, s))
	require.Equal(t, ChunkError, last.Kind)
	var be *BackendError
	require.True(t, errors.As(last.Err, &be))
	assert.Equal(t, "cancelled", be.Reason)
	assert.ErrorIs(t, last.Err, context.Canceled)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewCodex(Options{}), NewClaude(Options{}))

	b, err := r.Get(domain.AssistantClaude)
	require.NoError(t, err)
	assert.Equal(t, domain.AssistantClaude, b.Kind())

	_, err = r.Get(domain.AssistantKind("gemini"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, []domain.AssistantKind{domain.AssistantClaude, domain.AssistantCodex}, r.Kinds())
}

func TestBackendErrorMessage(t *testing.T) {
	err := &BackendError{Kind: domain.AssistantCodex, Reason: "process failed", ExitCode: 3, Stderr: "line one\nline two\n", Err: errors.New("exit status 3")}
	assert.Equal(t, "codex backend: process failed: exit status 3 (exit 3): line one line two", err.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate(" abc ", 5))
	assert.Equal(t, "ab… (3 more bytes)", truncate("abcde", 2))
	// never splits a multi-byte rune
	assert.Equal(t, "… (2 more bytes)", truncate("é", 1))
}

func TestVersion(t *testing.T) {
	r := exec.NewMockRunner()
	r.AddResponse("claude --version", exec.MockResponse{Output: []byte("1.0.42 (Claude Code)\nextra\n")})

	v, err := Version(context.Background(), r, "claude")
	require.NoError(t, err)
	assert.Equal(t, "1.0.42 (Claude Code)", v)

	_, err = Version(context.Background(), r, "codex")
	assert.Error(t, err)
	assert.Len(t, r.Calls(), 2)
}
