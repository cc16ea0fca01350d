package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/joss/agentgate/internal/bridge"
	"github.com/joss/agentgate/internal/domain"
)

// Sink receives outbound chunks for one message.
type Sink interface {
	Send(ctx context.Context, c domain.OutboundChunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c domain.OutboundChunk) error

func (f SinkFunc) Send(ctx context.Context, c domain.OutboundChunk) error { return f(ctx, c) }

// SinkError means the caller can no longer be reached.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return fmt.Sprintf("deliver: %v", e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

const maxStatusLine = 160

// delivery renders chunks for one message in stream or batch mode.
type delivery struct {
	sink Sink
	mode domain.StreamingMode

	buf  strings.Builder
	sent int
}

func newDelivery(sink Sink, mode domain.StreamingMode) *delivery {
	return &delivery{sink: sink, mode: mode}
}

func (d *delivery) send(ctx context.Context, c domain.OutboundChunk) error {
	if err := d.sink.Send(ctx, c); err != nil {
		return &SinkError{Err: err}
	}
	d.sent++
	return nil
}

// text forwards or buffers assistant text.
func (d *delivery) text(ctx context.Context, s string) error {
	if d.mode == domain.ModeStream {
		return d.send(ctx, domain.TextChunk(s))
	}
	if d.buf.Len() > 0 {
		d.buf.WriteString("\n\n")
	}
	d.buf.WriteString(s)
	return nil
}

// tool renders tool activity as a status line. Batch mode omits it.
func (d *delivery) tool(ctx context.Context, c bridge.Chunk) error {
	if d.mode != domain.ModeStream {
		return nil
	}
	line := toolLine(c)
	if line == "" {
		return nil
	}
	return d.send(ctx, domain.StatusChunk(line))
}

func toolLine(c bridge.Chunk) string {
	name := c.Tool
	if name == "" {
		name = "tool"
	}
	detail := strings.Join(strings.Fields(c.Text), " ")
	var line string
	switch c.Kind {
	case bridge.ChunkToolCall:
		line = "[" + name + "]"
		if detail != "" {
			line += " " + detail
		}
	case bridge.ChunkToolResult:
		if detail == "" {
			return ""
		}
		line = "[" + name + " result] " + detail
	default:
		return ""
	}
	if len(line) > maxStatusLine {
		cut := maxStatusLine - 3
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "..."
	}
	return line
}

// flush sends buffered batch text as one chunk.
func (d *delivery) flush(ctx context.Context) error {
	if d.buf.Len() == 0 {
		return nil
	}
	s := d.buf.String()
	d.buf.Reset()
	return d.send(ctx, domain.TextChunk(s))
}

// status sends a notice immediately in either mode.
func (d *delivery) status(ctx context.Context, s string) error {
	return d.send(ctx, domain.StatusChunk(s))
}

// fail flushes pending text and reports msg as an error chunk.
func (d *delivery) fail(ctx context.Context, msg string) error {
	if err := d.flush(ctx); err != nil {
		return err
	}
	return d.send(ctx, domain.ErrorChunk(msg))
}

func isSinkError(err error) bool {
	var se *SinkError
	return errors.As(err, &se)
}
