package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joss/agentgate/internal/command"
	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/logging"
	"github.com/joss/agentgate/internal/store"
)

// call is one built-in invocation.
type call struct {
	conv *domain.Conversation
	args string
	d    *delivery
}

type builtin struct {
	name    string
	usage   string
	summary string
	run     func(ctx context.Context, c *call) error
}

func (o *Orchestrator) newBuiltins() map[string]*builtin {
	list := []*builtin{
		{name: "help", summary: "list available commands", run: o.help},
		{name: "status", summary: "show conversation and gateway state", run: o.status},
		{name: "reset", summary: "end the current assistant session", run: o.reset},
		{name: "commands", summary: "list template commands of the bound codebase", run: o.commands},
		{name: "codebase", usage: "<dir> [name]", summary: "bind a local working directory", run: o.bindCodebase},
		{name: "reload", summary: "reload template commands from disk", run: o.reload},
	}
	m := make(map[string]*builtin, len(list))
	for _, b := range list {
		m[b.name] = b
	}
	return m
}

func (o *Orchestrator) builtinNames() []string {
	names := make([]string, 0, len(o.builtins))
	for n := range o.builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (o *Orchestrator) help(ctx context.Context, c *call) error {
	var b strings.Builder
	b.WriteString("Built-in commands:\n")
	for _, n := range o.builtinNames() {
		bi := o.builtins[n]
		fmt.Fprintf(&b, "  %s%s", o.opts.Prefix, bi.name)
		if bi.usage != "" {
			b.WriteString(" " + bi.usage)
		}
		fmt.Fprintf(&b, " - %s\n", bi.summary)
	}

	cb, err := o.codebase(ctx, c.conv)
	if err != nil {
		return err
	}
	if cb != nil {
		cmds, err := o.registry.List(ctx, cb.ID)
		if err != nil {
			return err
		}
		if len(cmds) > 0 {
			fmt.Fprintf(&b, "\nCommands for %s:\n", cb.Name)
			writeCommands(&b, o.opts.Prefix, cmds)
		}
	}
	b.WriteString("\nAnything else is sent to the assistant as is.")
	return c.d.text(ctx, b.String())
}

func writeCommands(b *strings.Builder, prefix string, cmds []*domain.Command) {
	for _, cmd := range cmds {
		fmt.Fprintf(b, "  %s%s", prefix, cmd.Name)
		if cmd.Params.ArgumentHint != "" {
			b.WriteString(" " + cmd.Params.ArgumentHint)
		}
		if cmd.Params.Description != "" {
			b.WriteString(" - " + cmd.Params.Description)
		}
		b.WriteString("\n")
	}
}

func (o *Orchestrator) status(ctx context.Context, c *call) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Assistant: %s\n", c.conv.AssistantKind.Label())

	cb, err := o.codebase(ctx, c.conv)
	if err != nil {
		return err
	}
	if cb != nil {
		fmt.Fprintf(&b, "Codebase: %s (%s)\n", cb.Name, cb.WorkingDir)
	} else {
		b.WriteString("Codebase: none\n")
	}

	sess, err := o.activeSession(ctx, c.conv.ID)
	if err != nil {
		return err
	}
	switch {
	case sess == nil:
		b.WriteString("Session: none\n")
	case sess.Handle == "":
		fmt.Fprintf(&b, "Session: %s (no backend handle yet)\n", sess.ID)
	default:
		fmt.Fprintf(&b, "Session: %s (resumes %s)\n", sess.ID, shorten(sess.Handle, 12))
	}
	if sess != nil {
		if lc := sess.Metadata.LastCommand; lc != "" {
			fmt.Fprintf(&b, "Last command: %s%s\n", o.opts.Prefix, lc)
		}
		if k := sess.Metadata.ArtifactKind; k != "" {
			fmt.Fprintf(&b, "Stored artifact: %s (%d bytes)\n", k, len(sess.Metadata.ArtifactValue))
		}
	}

	st := o.gate.Stats()
	fmt.Fprintf(&b, "Gateway: %d/%d active, %d queued", st.Active, st.Limit, st.Queued)
	return c.d.text(ctx, b.String())
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (o *Orchestrator) reset(ctx context.Context, c *call) error {
	if err := o.store.DeactivateSession(ctx, c.conv.ID); err != nil {
		return err
	}
	o.log.WithContext(ctx).Info("session_reset", logging.Fields{"conversation_id": c.conv.ID})
	return c.d.text(ctx, fmt.Sprintf("Session reset. The next message starts a new %s session.", c.conv.AssistantKind.Label()))
}

func (o *Orchestrator) commands(ctx context.Context, c *call) error {
	cb, err := o.codebase(ctx, c.conv)
	if err != nil {
		return err
	}
	if cb == nil {
		return c.d.text(ctx, fmt.Sprintf("No codebase bound. Use %scodebase <dir> first.", o.opts.Prefix))
	}
	cmds, err := o.registry.List(ctx, cb.ID)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return c.d.text(ctx, fmt.Sprintf("No commands registered for %s.", cb.Name))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Commands for %s:\n", cb.Name)
	writeCommands(&b, o.opts.Prefix, cmds)
	return c.d.text(ctx, strings.TrimRight(b.String(), "\n"))
}

// bindCodebase registers a directory as a codebase (or reuses the existing
// one), binds it to the conversation and loads its templates.
func (o *Orchestrator) bindCodebase(ctx context.Context, c *call) error {
	args := strings.Fields(c.args)
	if len(args) == 0 || len(args) > 2 {
		return &command.RoutingError{Name: "codebase", Reason: command.ErrUsage, Detail: "usage: " + o.opts.Prefix + "codebase <dir> [name]"}
	}

	dir := args[0]
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(o.opts.WorkspaceDir, dir)
	}
	dir = filepath.Clean(dir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return &command.RoutingError{Name: "codebase", Reason: command.ErrUsage, Detail: dir + " is not a directory"}
	}

	cb, err := o.store.FindCodebaseByDir(ctx, dir)
	if store.IsNotFound(err) {
		name := filepath.Base(dir)
		if len(args) == 2 {
			name = args[1]
		}
		cb = &domain.Codebase{Name: name, WorkingDir: dir, AssistantKind: c.conv.AssistantKind}
		err = o.store.CreateCodebase(ctx, cb)
		if store.IsConflict(err) {
			cb, err = o.store.FindCodebaseByDir(ctx, dir)
		}
	}
	if err != nil {
		return err
	}

	if cb.ID != c.conv.CodebaseID {
		if err := o.store.SetConversationCodebase(ctx, c.conv.ID, cb.ID); err != nil {
			return err
		}
		// A backend session belongs to one working directory.
		if err := o.store.DeactivateSession(ctx, c.conv.ID); err != nil {
			return err
		}
		c.conv.CodebaseID = cb.ID
		o.log.WithContext(ctx).Info("codebase_bound", logging.Fields{"conversation_id": c.conv.ID, "codebase": cb.Name, "dir": cb.WorkingDir})
	}

	n, err := o.loader.Load(ctx, cb)
	if err != nil {
		return err
	}
	o.watch(cb)
	return c.d.text(ctx, fmt.Sprintf("Bound codebase %s (%s). Loaded %d command(s).", cb.Name, cb.WorkingDir, n))
}

func (o *Orchestrator) reload(ctx context.Context, c *call) error {
	cb, err := o.codebase(ctx, c.conv)
	if err != nil {
		return err
	}
	if cb == nil {
		return &command.RoutingError{Name: "reload", Reason: command.ErrNoCodebase, Detail: "use " + o.opts.Prefix + "codebase <dir> first"}
	}
	n, err := o.loader.Load(ctx, cb)
	if err != nil {
		return err
	}
	return c.d.text(ctx, fmt.Sprintf("Reloaded %d command(s) for %s.", n, cb.Name))
}
