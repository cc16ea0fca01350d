package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/exec"
)

// Options configures a backend bridge.
type Options struct {
	// Binary is the CLI to run; defaults to the kind name.
	Binary   string
	Launcher exec.Launcher
	Filter   *Filter
	Env      []string
	// ExtraArgs are inserted before the prompt.
	ExtraArgs []string
}

func (o Options) withDefaults(kind domain.AssistantKind) Options {
	if o.Binary == "" {
		o.Binary = string(kind)
	}
	if o.Launcher == nil {
		o.Launcher = exec.NewOSLauncher()
	}
	if o.Filter == nil {
		o.Filter = &Filter{}
	}
	return o
}

// Claude drives `claude --print --output-format stream-json`. Its sessions
// are addressed by a reusable session id.
type Claude struct {
	opts Options
}

// NewClaude creates a Claude bridge.
func NewClaude(opts Options) *Claude {
	return &Claude{opts: opts.withDefaults(domain.AssistantClaude)}
}

func (c *Claude) Kind() domain.AssistantKind { return domain.AssistantClaude }

// Start runs one turn.
func (c *Claude) Start(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return start(ctx, c.Kind(), c.opts.Launcher, c.spec(req), &claudeParser{}, c.opts.Filter, req.ResumeHandle), nil
}

func (c *Claude) spec(req Request) exec.Spec {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if req.ResumeHandle != "" {
		args = append(args, "--resume", req.ResumeHandle)
	}
	args = append(args, c.opts.ExtraArgs...)
	args = append(args, "--", req.Prompt)
	return exec.Spec{Name: c.opts.Binary, Args: args, Dir: req.WorkingDir, Env: c.opts.Env}
}

type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content []claudeContent `json:"content"`
	} `json:"message"`
}

type claudeContent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	ID      string          `json:"id"`
	ToolID  string          `json:"tool_use_id"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
}

type claudeParser struct {
	// tools maps tool_use ids to tool names for result chunks.
	tools map[string]string
}

func (p *claudeParser) parse(line []byte) event {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return event{}
	}

	out := event{handle: ev.SessionID}
	switch ev.Type {
	case "assistant":
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				if strings.TrimSpace(c.Text) != "" {
					out.chunks = append(out.chunks, Chunk{Kind: ChunkText, Text: c.Text})
				}
			case "tool_use":
				if p.tools == nil {
					p.tools = make(map[string]string)
				}
				p.tools[c.ID] = c.Name
				out.chunks = append(out.chunks, Chunk{Kind: ChunkToolCall, Tool: c.Name, Text: summarizeInput(c.Input)})
			}
		}
	case "user":
		for _, c := range ev.Message.Content {
			if c.Type != "tool_result" {
				continue
			}
			text := toolResultText(c.Content)
			if c.IsError {
				text = "error: " + text
			}
			out.chunks = append(out.chunks, Chunk{Kind: ChunkToolResult, Tool: p.tools[c.ToolID], Text: text})
		}
	case "result":
		out.completed = true
		if ev.IsError || strings.HasPrefix(ev.Subtype, "error") {
			reason := strings.TrimSpace(ev.Result)
			if reason == "" {
				reason = ev.Subtype
			}
			if reason == "" {
				reason = "result reported an error"
			}
			out.failure = reason
		}
	}
	// system events and thinking blocks produce no chunks.
	return out
}

// summarizeInput renders a tool input as one short line.
func summarizeInput(raw json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return ""
	}
	for _, k := range []string{"command", "file_path", "path", "pattern", "url", "query", "description"} {
		if v, ok := fields[k].(string); ok && v != "" {
			return truncate(v, 200)
		}
	}
	return truncate(string(raw), 200)
}

// toolResultText flattens a tool_result content value, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return truncate(s, 500)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return truncate(strings.Join(parts, "\n"), 500)
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return fmt.Sprintf("%s… (%d more bytes)", s[:n], len(s)-n)
}
