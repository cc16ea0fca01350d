// Package render formats gateway state and chunks for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/joss/agentgate/internal/domain"
)

// Renderer writes formatted output. Colour is only used when pretty.
type Renderer struct {
	out    io.Writer
	pretty bool

	title, ok, bad, dim, warn *color.Color
}

// New creates a renderer writing to out.
func New(out io.Writer, pretty bool) *Renderer {
	r := &Renderer{
		out:    out,
		pretty: pretty,
		title:  color.New(color.FgCyan),
		ok:     color.New(color.FgGreen),
		bad:    color.New(color.FgRed),
		dim:    color.New(color.FgHiBlack),
		warn:   color.New(color.FgYellow),
	}
	for _, c := range []*color.Color{r.title, r.ok, r.bad, r.dim, r.warn} {
		if pretty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r
}

// Stdout returns a renderer for os.Stdout, pretty when it is a terminal.
func Stdout() *Renderer {
	return New(os.Stdout, IsTerminal(os.Stdout))
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Gateway describes admission state and storage health.
type Gateway struct {
	Addr    string
	Active  int
	Queued  int
	Limit   int
	Storage bool
}

// Status renders the gateway summary.
func (r *Renderer) Status(g Gateway) {
	if !r.pretty {
		fmt.Fprintf(r.out, "addr=%s active=%d queued=%d limit=%d storage=%v\n", g.Addr, g.Active, g.Queued, g.Limit, g.Storage)
		return
	}
	r.title.Fprintln(r.out, "agentgate")
	fmt.Fprintln(r.out, strings.Repeat("─", 40))
	fmt.Fprintf(r.out, "  Address: %s\n", g.Addr)
	if g.Storage {
		fmt.Fprintf(r.out, "  Storage: %s\n", r.ok.Sprint("reachable"))
	} else {
		fmt.Fprintf(r.out, "  Storage: %s\n", r.bad.Sprint("unreachable"))
	}
	load := fmt.Sprintf("%d/%d", g.Active, g.Limit)
	if g.Active >= g.Limit {
		load = r.warn.Sprint(load)
	}
	fmt.Fprintf(r.out, "  Active:  %s\n", load)
	fmt.Fprintf(r.out, "  Queued:  %d\n", g.Queued)
}

// Chunk renders one outbound chunk.
func (r *Renderer) Chunk(c domain.OutboundChunk) {
	switch c.Kind {
	case domain.ChunkStatus:
		r.dim.Fprintln(r.out, "· "+c.Text)
	case domain.ChunkError:
		r.bad.Fprintln(r.out, "✗ "+c.Text)
	default:
		fmt.Fprintln(r.out, c.Text)
	}
}

// Codebases renders registered codebases.
func (r *Renderer) Codebases(cbs []*domain.Codebase) {
	if len(cbs) == 0 {
		fmt.Fprintln(r.out, "No codebases registered")
		return
	}
	if r.pretty {
		r.title.Fprintln(r.out, "Codebases")
		fmt.Fprintln(r.out, strings.Repeat("─", 60))
	}
	for _, cb := range cbs {
		fmt.Fprintf(r.out, "%s  %s  %s\n", r.ok.Sprint(cb.Name), cb.WorkingDir, r.dim.Sprint(string(cb.AssistantKind)))
	}
}

// Commands renders the templates of one codebase.
func (r *Renderer) Commands(cb *domain.Codebase, cmds []*domain.Command) {
	if len(cmds) == 0 {
		fmt.Fprintf(r.out, "No commands registered for %s\n", cb.Name)
		return
	}
	if r.pretty {
		r.title.Fprintf(r.out, "Commands for %s\n", cb.Name)
		fmt.Fprintln(r.out, strings.Repeat("─", 60))
	}
	for _, cmd := range cmds {
		line := "/" + cmd.Name
		if cmd.Params.ArgumentHint != "" {
			line += " " + cmd.Params.ArgumentHint
		}
		fmt.Fprint(r.out, r.ok.Sprint(line))
		if cmd.Params.Description != "" {
			fmt.Fprint(r.out, "  "+cmd.Params.Description)
		}
		var flow []string
		if cmd.Params.Consumes != "" {
			flow = append(flow, "consumes "+cmd.Params.Consumes)
		}
		if cmd.Params.Produces != "" {
			flow = append(flow, "produces "+cmd.Params.Produces)
		}
		if len(flow) > 0 {
			fmt.Fprint(r.out, " "+r.dim.Sprint("("+strings.Join(flow, ", ")+")"))
		}
		fmt.Fprintln(r.out)
	}
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
