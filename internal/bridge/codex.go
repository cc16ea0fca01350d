package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/exec"
)

// Codex drives `codex exec --json`. A codex session can only be continued
// through the thread id returned by the previous turn.
type Codex struct {
	opts Options
}

// NewCodex creates a Codex bridge.
func NewCodex(opts Options) *Codex {
	return &Codex{opts: opts.withDefaults(domain.AssistantCodex)}
}

func (c *Codex) Kind() domain.AssistantKind { return domain.AssistantCodex }

// Start runs one turn.
func (c *Codex) Start(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return start(ctx, c.Kind(), c.opts.Launcher, c.spec(req), &codexParser{}, c.opts.Filter, req.ResumeHandle), nil
}

func (c *Codex) spec(req Request) exec.Spec {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	args = append(args, c.opts.ExtraArgs...)
	if req.ResumeHandle != "" {
		args = append(args, "resume", req.ResumeHandle)
	}
	args = append(args, req.Prompt)
	return exec.Spec{Name: c.opts.Binary, Args: args, Dir: req.WorkingDir, Env: c.opts.Env}
}

type codexEvent struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	Message  string    `json:"message"`
	Item     codexItem `json:"item"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
}

type codexItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Text     string `json:"text"`
	Command  string `json:"command"`
	Output   string `json:"aggregated_output"`
	ExitCode *int   `json:"exit_code"`
	Server   string `json:"server"`
	Tool     string `json:"tool"`
	Query    string `json:"query"`
	Changes  []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
}

type codexParser struct{}

func (p *codexParser) parse(line []byte) event {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return event{}
	}

	switch ev.Type {
	case "thread.started":
		return event{handle: ev.ThreadID}
	case "turn.completed":
		return event{completed: true}
	case "turn.failed":
		reason := ev.Error.Message
		if reason == "" {
			reason = "turn failed"
		}
		return event{completed: true, failure: reason}
	case "error":
		// Stream-level errors include retried disconnects; they only matter
		// when the turn never completes.
		return event{notice: ev.Message}
	case "item.started":
		return event{chunks: p.started(ev.Item)}
	case "item.completed":
		return event{chunks: p.completed(ev.Item)}
	}
	return event{}
}

func (p *codexParser) started(it codexItem) []Chunk {
	switch it.Type {
	case "command_execution":
		return []Chunk{{Kind: ChunkToolCall, Tool: "shell", Text: truncate(it.Command, 200)}}
	case "mcp_tool_call":
		return []Chunk{{Kind: ChunkToolCall, Tool: it.Server + "." + it.Tool}}
	case "web_search":
		return []Chunk{{Kind: ChunkToolCall, Tool: "web_search", Text: truncate(it.Query, 200)}}
	}
	return nil
}

func (p *codexParser) completed(it codexItem) []Chunk {
	switch it.Type {
	case "agent_message":
		if strings.TrimSpace(it.Text) == "" {
			return nil
		}
		return []Chunk{{Kind: ChunkText, Text: it.Text}}
	case "command_execution":
		text := truncate(it.Output, 500)
		if it.ExitCode != nil && *it.ExitCode != 0 {
			text = fmt.Sprintf("exit %d: %s", *it.ExitCode, text)
		}
		return []Chunk{{Kind: ChunkToolResult, Tool: "shell", Text: text}}
	case "file_change":
		var paths []string
		for _, c := range it.Changes {
			paths = append(paths, c.Kind+" "+c.Path)
		}
		return []Chunk{{Kind: ChunkToolResult, Tool: "apply_patch", Text: strings.Join(paths, ", ")}}
	case "mcp_tool_call":
		return []Chunk{{Kind: ChunkToolResult, Tool: it.Server + "." + it.Tool}}
	}
	// reasoning, todo_list and non-fatal error items are noise.
	return nil
}
