package bridge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/exec"
	"github.com/joss/agentgate/internal/logging"
)

const (
	maxLineSize = 16 << 20
	// closeTimeout bounds how long Close waits for the pump to exit.
	closeTimeout = 5 * time.Second
)

// event is what a parser extracts from one output line.
type event struct {
	chunks []Chunk
	handle string
	// completed marks the backend's own end-of-turn event.
	completed bool
	// failure is a terminal failure reported in-band.
	failure string
	// notice explains an incomplete turn if nothing better is known.
	notice string
}

// parser decodes backend-specific JSON lines.
type parser interface {
	parse(line []byte) event
}

// Stream is the output of one assistant turn. Chunks is finite and ends
// with exactly one terminal chunk unless the stream is closed first.
type Stream struct {
	kind domain.AssistantKind
	proc exec.Process
	log  *logging.Logger

	out    chan Chunk
	done   chan struct{}
	exited chan struct{}

	mu     sync.Mutex
	handle string

	closeOnce sync.Once
}

func newStream(ctx context.Context, kind domain.AssistantKind, proc exec.Process, p parser, f *Filter, resume string) *Stream {
	s := &Stream{
		kind:   kind,
		proc:   proc,
		log:    logging.New("bridge").WithContext(ctx).With(logging.Fields{"kind": string(kind)}),
		out:    make(chan Chunk),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		handle: resume,
	}
	go s.watch(ctx)
	logging.SafeGo("bridge", func() { s.pump(ctx, p, f) })
	return s
}

// Chunks returns the chunk sequence. It can be ranged over once.
func (s *Stream) Chunks() <-chan Chunk { return s.out }

// Handle returns the session handle to persist. It is final once the
// terminal chunk has been received.
func (s *Stream) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Close kills the backend and waits for the pump to exit. Safe to call more
// than once and without draining Chunks.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.proc.Kill()
	})
	select {
	case <-s.exited:
	case <-time.After(closeTimeout):
		s.log.Warn("stream_close_timeout", logging.Fields{"pid": s.proc.Pid()}, nil)
	}
}

// watch kills the process when ctx ends or the stream is closed.
func (s *Stream) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.proc.Kill()
	case <-s.done:
	case <-s.exited:
	}
}

func (s *Stream) setHandle(h string) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// emit delivers c unless the stream was closed.
func (s *Stream) emit(c Chunk) bool {
	select {
	case s.out <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) pump(ctx context.Context, p parser, f *Filter) {
	defer close(s.exited)
	defer close(s.out)

	var (
		completed bool
		failure   string
		notice    string
	)

	sc := bufio.NewScanner(s.proc.Stdout())
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if f.Drop(line) {
			continue
		}
		ev := p.parse(line)
		if ev.handle != "" {
			s.setHandle(ev.handle)
		}
		for _, c := range ev.chunks {
			if !s.emit(c) {
				_ = s.proc.Kill()
				_ = s.proc.Wait()
				return
			}
		}
		if ev.failure != "" {
			failure = ev.failure
		}
		if ev.completed {
			completed = true
		}
		if ev.notice != "" {
			notice = ev.notice
		}
	}
	scanErr := sc.Err()
	waitErr := s.proc.Wait()

	select {
	case <-s.done:
		return
	default:
	}

	be := s.terminalError(ctx, completed, failure, notice, scanErr, waitErr)
	if be != nil {
		s.log.Warn("backend_failed", logging.Fields{"reason": be.Reason, "exit_code": be.ExitCode}, be.Err)
		s.emit(Chunk{Kind: ChunkError, Text: be.Error(), Err: be})
		return
	}
	s.emit(Chunk{Kind: ChunkDone})
}

// terminalError decides how the turn ended. A nil result means success.
func (s *Stream) terminalError(ctx context.Context, completed bool, failure, notice string, scanErr, waitErr error) *BackendError {
	stderr := s.proc.StderrTail()
	switch {
	case failure != "":
		return &BackendError{Kind: s.kind, Reason: failure, ExitCode: exec.ExitCode(waitErr), Stderr: stderr}
	case ctx.Err() != nil:
		return &BackendError{Kind: s.kind, Reason: "cancelled", Err: ctx.Err()}
	case waitErr != nil:
		code := exec.ExitCode(waitErr)
		if code < 0 {
			code = 0
		}
		return &BackendError{Kind: s.kind, Reason: "process failed", ExitCode: code, Stderr: stderr, Err: waitErr}
	case scanErr != nil && !errors.Is(scanErr, exec.ErrKilled):
		return &BackendError{Kind: s.kind, Reason: "read output", Stderr: stderr, Err: scanErr}
	case !completed && notice != "":
		return &BackendError{Kind: s.kind, Reason: notice, Stderr: stderr}
	case !completed:
		return &BackendError{Kind: s.kind, Reason: "output ended without a result", Stderr: stderr}
	}
	return nil
}

// start launches spec and wraps the process in a Stream. Launch failures
// become a stream holding a single error chunk.
func start(ctx context.Context, kind domain.AssistantKind, l exec.Launcher, spec exec.Spec, p parser, f *Filter, resume string) *Stream {
	log := logging.New("bridge").WithContext(ctx)
	proc, err := l.Launch(ctx, spec)
	if err != nil {
		log.Error("spawn_failed", logging.Fields{"kind": string(kind), "cmd": spec.Name}, err)
		return failedStream(kind, resume, &BackendError{Kind: kind, Reason: "spawn failed", Err: err})
	}
	log.Debug("spawned", logging.Fields{"kind": string(kind), "pid": proc.Pid(), "resume": resume != ""})
	return newStream(ctx, kind, proc, p, f, resume)
}

// failedStream yields one error chunk.
func failedStream(kind domain.AssistantKind, handle string, be *BackendError) *Stream {
	s := &Stream{
		kind:   kind,
		proc:   deadProcess{},
		log:    logging.New("bridge"),
		out:    make(chan Chunk, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		handle: handle,
	}
	s.out <- Chunk{Kind: ChunkError, Text: be.Error(), Err: be}
	close(s.out)
	close(s.exited)
	return s
}

// deadProcess stands in for a process that never started.
type deadProcess struct{}

func (deadProcess) Stdout() io.Reader  { return eofReader{} }
func (deadProcess) Wait() error        { return nil }
func (deadProcess) Kill() error        { return nil }
func (deadProcess) StderrTail() string { return "" }
func (deadProcess) Pid() int           { return 0 }

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
