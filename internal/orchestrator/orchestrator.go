// Package orchestrator implements the per-message control loop: admission,
// routing, the assistant turn, session persistence and delivery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joss/agentgate/internal/bridge"
	"github.com/joss/agentgate/internal/command"
	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/gate"
	"github.com/joss/agentgate/internal/logging"
	"github.com/joss/agentgate/internal/metrics"
	"github.com/joss/agentgate/internal/store"
)

const (
	// DefaultTimeout bounds one message after admission.
	DefaultTimeout = 10 * time.Minute
	// persistTimeout bounds session writes after the turn ended or was
	// cancelled.
	persistTimeout = 5 * time.Second

	backpressureNotice = "Too many requests are in flight right now. Please try again in a moment."
	storageNotice      = "Could not reach session storage; your message was not processed. Please try again."
	internalNotice     = "Something went wrong while handling your message."
)

// Watcher is notified when a codebase is bound so its templates reload on
// change.
type Watcher interface {
	Watch(cb *domain.Codebase) error
}

// Options configures an Orchestrator.
type Options struct {
	Prefix      string
	Timeout     time.Duration
	DefaultKind domain.AssistantKind
	// WorkspaceDir is the working directory for conversations without a
	// codebase.
	WorkspaceDir string
	// StreamingMode picks the delivery mode per platform.
	StreamingMode func(domain.Platform) domain.StreamingMode
	Metrics       *metrics.Metrics
	Watcher       Watcher
}

// Orchestrator handles inbound messages. It is safe for concurrent use.
type Orchestrator struct {
	gate     *gate.Gate
	store    store.SessionStorage
	registry *command.Registry
	loader   *command.Loader
	bridges  *bridge.Registry
	opts     Options
	log      *logging.Logger
	builtins map[string]*builtin
}

// New wires an Orchestrator.
func New(g *gate.Gate, s store.SessionStorage, loader *command.Loader, bridges *bridge.Registry, opts Options) *Orchestrator {
	if opts.Prefix == "" {
		opts.Prefix = command.DefaultPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultKind == "" {
		opts.DefaultKind = domain.AssistantClaude
	}
	if opts.StreamingMode == nil {
		opts.StreamingMode = func(domain.Platform) domain.StreamingMode { return domain.ModeStream }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Global()
	}
	o := &Orchestrator{
		gate:     g,
		store:    s,
		registry: loader.Registry(),
		loader:   loader,
		bridges:  bridges,
		opts:     opts,
		log:      logging.New("orchestrator"),
	}
	o.builtins = o.newBuiltins()
	return o
}

// Stats returns the admission gate counters.
func (o *Orchestrator) Stats() gate.Stats { return o.gate.Stats() }

// Healthy reports whether session storage is reachable.
func (o *Orchestrator) Healthy(ctx context.Context) bool {
	ok := o.store.Ping(ctx) == nil
	o.opts.Metrics.RecordHealthCheck(ok)
	return ok
}

// LoadAll loads templates for every registered codebase and starts
// watching them. Failures are logged per codebase.
func (o *Orchestrator) LoadAll(ctx context.Context) error {
	cbs, err := o.store.ListCodebases(ctx)
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		if _, err := o.loader.Load(ctx, cb); err != nil {
			o.log.Warn("templates_load_failed", logging.Fields{"codebase": cb.Name}, err)
			continue
		}
		o.watch(cb)
	}
	return nil
}

func (o *Orchestrator) watch(cb *domain.Codebase) {
	if o.opts.Watcher == nil {
		return
	}
	if err := o.opts.Watcher.Watch(cb); err != nil {
		o.log.Warn("watch_failed", logging.Fields{"codebase": cb.Name, "dir": cb.WorkingDir}, err)
	}
}

// Handle processes one inbound message and delivers its output to sink.
// Failures are converted into chunks here; the returned error is
// informational for the adapter.
func (o *Orchestrator) Handle(ctx context.Context, msg domain.InboundMessage, sink Sink) error {
	ctx = logging.EnsureRequestID(ctx)
	log := o.log.WithContext(ctx).With(logging.Fields{
		"platform":     string(msg.Platform),
		"conversation": msg.ConversationID,
	})
	o.opts.Metrics.RecordMessage()

	permit, err := o.gate.Acquire(ctx, msg.Key())
	if err != nil {
		if errors.Is(err, gate.ErrBackpressure) {
			o.opts.Metrics.RecordRejected()
			log.Warn("backpressure", logging.Fields{"stats": o.gate.Stats()}, err)
			if serr := sink.Send(ctx, domain.StatusChunk(backpressureNotice)); serr != nil {
				log.Debug("notice_undelivered", logging.Fields{"error": serr.Error()})
			}
		}
		return err
	}
	defer permit.Release()

	turnCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	d := newDelivery(sink, o.opts.StreamingMode(msg.Platform))
	err = o.process(turnCtx, msg, d)
	err = o.finish(ctx, turnCtx, log, d, err)

	fields := logging.Fields{"chunks": d.sent}
	if err != nil {
		fields["error"] = err.Error()
	}
	log.TimedEvent("message_done", start, fields)
	return err
}

// process runs routing and execution. Panics become errors.
func (o *Orchestrator) process(ctx context.Context, msg domain.InboundMessage, d *delivery) (err error) {
	defer logging.RecoverTo(&err, "orchestrator")

	conv, err := o.conversation(ctx, msg)
	if err != nil {
		return err
	}

	name, args, isCommand := command.Parse(o.opts.Prefix, msg.Text)
	if !isCommand {
		if strings.TrimSpace(msg.Text) == "" {
			return &command.RoutingError{Reason: command.ErrUsage, Detail: "empty message"}
		}
		o.opts.Metrics.RecordRoute(metrics.RouteQuery)
		return o.turn(ctx, conv, msg.Text, nil, d)
	}
	if name == "" {
		return &command.RoutingError{Reason: command.ErrUsage, Detail: "missing command name after " + o.opts.Prefix}
	}

	if b, ok := o.builtins[name]; ok {
		o.opts.Metrics.RecordRoute(metrics.RouteBuiltin)
		return b.run(ctx, &call{conv: conv, args: args, d: d})
	}
	return o.runTemplate(ctx, conv, name, args, d)
}

// conversation loads or creates the conversation for msg. A concurrent
// create on the same key is resolved by re-reading.
func (o *Orchestrator) conversation(ctx context.Context, msg domain.InboundMessage) (*domain.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, msg.Platform, msg.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	conv = &domain.Conversation{
		Platform:      msg.Platform,
		ExternalID:    msg.ConversationID,
		AssistantKind: o.opts.DefaultKind,
	}
	err = o.store.CreateConversation(ctx, conv)
	if store.IsConflict(err) {
		return o.store.GetConversation(ctx, msg.Platform, msg.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	o.log.WithContext(ctx).Info("conversation_created", logging.Fields{"id": conv.ID, "kind": string(conv.AssistantKind)})
	return conv, nil
}

// codebase returns the conversation's codebase, or nil when none is bound.
func (o *Orchestrator) codebase(ctx context.Context, conv *domain.Conversation) (*domain.Codebase, error) {
	if conv.CodebaseID == "" {
		return nil, nil
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return cb, err
}

// activeSession returns the active session, or nil when there is none.
func (o *Orchestrator) activeSession(ctx context.Context, conversationID string) (*domain.Session, error) {
	sess, err := o.store.GetActiveSession(ctx, conversationID)
	if store.IsNotFound(err) {
		return nil, nil
	}
	return sess, err
}

func (o *Orchestrator) runTemplate(ctx context.Context, conv *domain.Conversation, name, args string, d *delivery) error {
	cb, err := o.codebase(ctx, conv)
	if err != nil {
		return err
	}
	if cb == nil {
		return o.unknownCommand(ctx, name, nil)
	}

	cmd, err := o.registry.Resolve(ctx, cb.ID, name)
	if store.IsNotFound(err) {
		return o.unknownCommand(ctx, name, cb)
	}
	if err != nil {
		return err
	}
	if err := command.CheckArgs(cmd, o.opts.Prefix, args); err != nil {
		return err
	}
	o.opts.Metrics.RecordRoute(metrics.RouteCommand)

	sess, err := o.activeSession(ctx, conv.ID)
	if err != nil {
		return err
	}
	prompt := command.Substitute(cmd.Template, bindings(cmd, sess, args))
	if strings.TrimSpace(prompt) == "" {
		detail := "template expanded to an empty prompt"
		if u := command.Usage(cmd, o.opts.Prefix); u != "" {
			detail += "; " + u
		}
		return &command.RoutingError{Prefix: o.opts.Prefix, Name: cmd.Name, Reason: command.ErrUsage, Detail: detail}
	}
	return o.turn(ctx, conv, prompt, cmd, d)
}

// bindings exposes the session metadata as named placeholders and binds a
// stored artifact when its kind matches what cmd consumes.
func bindings(cmd *domain.Command, sess *domain.Session, args string) command.Bindings {
	b := command.Bindings{Args: args, Named: map[string]string{}}
	if sess == nil {
		return b
	}
	for k, v := range sess.Metadata.ToMap() {
		b.Named[k] = v
	}
	if kind := cmd.Params.Consumes; kind != "" && sess.Metadata.ArtifactKind == kind {
		b.Named[kind] = sess.Metadata.ArtifactValue
		b.Named["artifact"] = sess.Metadata.ArtifactValue
	}
	return b
}

func (o *Orchestrator) unknownCommand(ctx context.Context, name string, cb *domain.Codebase) error {
	candidates := o.builtinNames()
	rerr := &command.RoutingError{Prefix: o.opts.Prefix, Name: name, Reason: command.ErrUnknownCommand}
	if cb == nil {
		rerr.Detail = "no codebase is bound to this conversation, use " + o.opts.Prefix + "codebase <dir>"
	} else {
		names, err := o.registry.Names(ctx, cb.ID)
		if err != nil {
			return err
		}
		candidates = append(candidates, names...)
	}
	rerr.Suggestion = command.Suggest(name, candidates)
	return rerr
}

// turn runs one assistant call and persists the session around it.
func (o *Orchestrator) turn(ctx context.Context, conv *domain.Conversation, prompt string, cmd *domain.Command, d *delivery) error {
	cb, err := o.codebase(ctx, conv)
	if err != nil {
		return err
	}
	workDir := o.opts.WorkspaceDir
	if cb != nil {
		workDir = cb.WorkingDir
	}

	b, err := o.bridges.Get(conv.AssistantKind)
	if err != nil {
		return err
	}
	sess, err := o.activeSession(ctx, conv.ID)
	if err != nil {
		return err
	}
	resume := ""
	if sess != nil {
		resume = sess.Handle
	}

	log := o.log.WithContext(ctx).With(logging.Fields{"conversation_id": conv.ID, "kind": string(conv.AssistantKind)})
	start := time.Now()
	stream, err := b.Start(ctx, bridge.Request{WorkingDir: workDir, Prompt: prompt, ResumeHandle: resume})
	if err != nil {
		return err
	}
	defer stream.Close()

	var (
		final  bridge.Chunk
		output strings.Builder
		runErr error
	)
consume:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break consume
		case c, ok := <-stream.Chunks():
			if !ok {
				break consume
			}
			switch c.Kind {
			case bridge.ChunkText:
				if output.Len() > 0 {
					output.WriteString("\n\n")
				}
				output.WriteString(c.Text)
				runErr = d.text(ctx, c.Text)
			case bridge.ChunkToolCall, bridge.ChunkToolResult:
				runErr = d.tool(ctx, c)
			default:
				final = c
			}
			if runErr != nil {
				break consume
			}
		}
	}
	// Stop the backend before writing so the handle below is final.
	stream.Close()

	success := final.Kind == bridge.ChunkDone && runErr == nil
	o.opts.Metrics.RecordTurn(success, time.Since(start).Milliseconds())
	log.TimedEvent("turn_done", start, logging.Fields{"success": success, "resumed": resume != ""})

	if err := o.persist(ctx, conv, sess, stream.Handle(), cmd, success, output.String()); err != nil {
		if runErr != nil {
			log.Warn("persist_after_failure", nil, err)
			return runErr
		}
		return err
	}

	switch {
	case runErr != nil:
		return runErr
	case final.Kind == bridge.ChunkError:
		return final.Err
	case final.Kind != bridge.ChunkDone:
		return &bridge.BackendError{Kind: conv.AssistantKind, Reason: "stream closed without a terminal chunk"}
	}
	return nil
}

// persist records the backend handle and command metadata. It runs on a
// detached context so a cancelled turn still keeps its handle.
func (o *Orchestrator) persist(ctx context.Context, conv *domain.Conversation, sess *domain.Session, handle string, cmd *domain.Command, success bool, output string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	patch := map[string]string{}
	if cmd != nil {
		patch[domain.MetaLastCommand] = cmd.Name
		if kind := cmd.Params.Produces; kind != "" && success && strings.TrimSpace(output) != "" {
			patch[domain.MetaArtifactKind] = kind
			patch[domain.MetaArtifactValue] = clip(output, domain.MaxMetadataValue)
		}
	}

	if sess == nil {
		md, err := domain.SessionMetadata{}.Merge(patch)
		if err != nil {
			return err
		}
		created, err := o.store.CreateSession(ctx, conv.ID, handle, conv.AssistantKind, md)
		if err != nil {
			return err
		}
		o.log.WithContext(ctx).Info("session_created", logging.Fields{"session_id": created.ID, "has_handle": handle != ""})
		return nil
	}

	if handle != "" && handle != sess.Handle {
		if err := o.store.UpdateSessionHandle(ctx, sess.ID, handle); err != nil {
			return err
		}
	}
	if len(patch) > 0 {
		return o.store.UpdateSessionMetadata(ctx, sess.ID, patch)
	}
	return nil
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// finish converts the outcome into user-visible chunks and metrics. It is
// the only place failures become responses.
func (o *Orchestrator) finish(parent, turnCtx context.Context, log *logging.Logger, d *delivery, err error) error {
	notify := func(msg string) {
		if parent.Err() != nil {
			return
		}
		if ferr := d.fail(parent, msg); ferr != nil {
			log.Debug("notice_undelivered", logging.Fields{"error": ferr.Error()})
		}
	}

	var (
		rerr  *command.RoutingError
		berr  *bridge.BackendError
		perr  *logging.PanicError
		serr  *store.StorageError
		timed = errors.Is(err, context.DeadlineExceeded) && turnCtx.Err() == context.DeadlineExceeded && parent.Err() == nil
	)

	switch {
	case err == nil:
		if ferr := d.flush(parent); ferr != nil {
			log.Info("caller_gone", logging.Fields{"error": ferr.Error()})
			return ferr
		}
	case isSinkError(err) || parent.Err() != nil:
		log.Info("caller_gone", logging.Fields{"error": err.Error()})
	case timed:
		o.opts.Metrics.RecordFailure(metrics.FailureTimeout)
		log.Warn("request_timeout", logging.Fields{"timeout": o.opts.Timeout.String()}, err)
		notify(fmt.Sprintf("Request timed out after %s. The session is kept; you can continue.", o.opts.Timeout))
	case errors.As(err, &rerr):
		if rerr.Prefix == "" {
			rerr.Prefix = o.opts.Prefix
		}
		o.opts.Metrics.RecordFailure(metrics.FailureRouting)
		log.Info("routing_error", logging.Fields{"error": err.Error()})
		notify(rerr.Error())
	case errors.As(err, &perr):
		o.opts.Metrics.RecordFailure(metrics.FailurePanic)
		notify(internalNotice)
	case errors.As(err, &serr):
		o.opts.Metrics.RecordFailure(metrics.FailureStorage)
		log.Error("storage_error", nil, err)
		notify(storageNotice)
	case errors.As(err, &berr):
		o.opts.Metrics.RecordFailure(metrics.FailureBackend)
		log.Warn("backend_error", logging.Fields{"reason": berr.Reason}, err)
		notify("Assistant error: " + berr.Error())
	default:
		log.Error("message_failed", nil, err)
		notify(internalNotice + " (" + err.Error() + ")")
	}
	return err
}
