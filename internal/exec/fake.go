package exec

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// FakeExitError mimics a non-zero exit from a scripted process.
type FakeExitError struct {
	Code int
}

func (e *FakeExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Script describes what a fake process writes and how it exits.
type Script struct {
	// Lines are written to stdout, each followed by a newline.
	Lines []string
	// LineDelay is slept before each line.
	LineDelay time.Duration
	// Hang keeps stdout open after Lines until the process is killed.
	Hang bool
	// ExitCode > 0 makes Wait return a *FakeExitError.
	ExitCode int
	Stderr   string
	// LaunchErr fails Launch itself.
	LaunchErr error
	// OnStart runs when the process starts, before any output.
	OnStart func(spec Spec)
	// OnExit runs after the last output, before Wait returns.
	OnExit func(spec Spec)
}

// FakeLauncher implements Launcher for testing. Each Launch asks ScriptFor
// for the process behaviour.
type FakeLauncher struct {
	ScriptFor func(spec Spec) Script

	mu    sync.Mutex
	calls []Spec
	procs []*FakeProcess

	running atomic.Int64
}

// NewFakeLauncher returns a launcher that replays the same script every time.
func NewFakeLauncher(s Script) *FakeLauncher {
	return &FakeLauncher{ScriptFor: func(Spec) Script { return s }}
}

// Calls returns every spec launched so far.
func (l *FakeLauncher) Calls() []Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Spec(nil), l.calls...)
}

// Processes returns every process launched so far.
func (l *FakeLauncher) Processes() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeProcess(nil), l.procs...)
}

// Running reports how many fake processes have not exited yet.
func (l *FakeLauncher) Running() int {
	return int(l.running.Load())
}

func (l *FakeLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	script := Script{}
	if l.ScriptFor != nil {
		script = l.ScriptFor(spec)
	}

	l.mu.Lock()
	l.calls = append(l.calls, spec)
	l.mu.Unlock()

	if script.LaunchErr != nil {
		return nil, script.LaunchErr
	}

	pr, pw := io.Pipe()
	p := &FakeProcess{
		script: script,
		stdout: pr,
		pw:     pw,
		killed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	l.running.Add(1)
	go func() {
		defer l.running.Add(-1)
		p.run(ctx, spec)
	}()
	return p, nil
}

// FakeProcess is a scripted in-memory process.
type FakeProcess struct {
	script Script
	stdout *io.PipeReader
	pw     *io.PipeWriter

	killOnce sync.Once
	killed   chan struct{}
	exited   chan struct{}
	waitErr  error
}

func (p *FakeProcess) run(ctx context.Context, spec Spec) {
	defer close(p.exited)
	if p.script.OnExit != nil {
		defer p.script.OnExit(spec)
	}
	if p.script.OnStart != nil {
		p.script.OnStart(spec)
	}
	for _, line := range p.script.Lines {
		if p.script.LineDelay > 0 {
			select {
			case <-time.After(p.script.LineDelay):
			case <-p.killed:
				p.finish(ErrKilled)
				return
			case <-ctx.Done():
				p.Kill()
				p.finish(ErrKilled)
				return
			}
		}
		if _, err := io.WriteString(p.pw, line+"\n"); err != nil {
			p.finish(ErrKilled)
			return
		}
	}
	if p.script.Hang {
		select {
		case <-p.killed:
		case <-ctx.Done():
			p.Kill()
		}
		p.finish(ErrKilled)
		return
	}
	select {
	case <-p.killed:
		p.finish(ErrKilled)
		return
	default:
	}
	if p.script.ExitCode != 0 {
		p.finish(&FakeExitError{Code: p.script.ExitCode})
		return
	}
	p.finish(nil)
}

func (p *FakeProcess) finish(err error) {
	p.waitErr = err
	p.pw.Close()
}

func (p *FakeProcess) Stdout() io.Reader  { return p.stdout }
func (p *FakeProcess) StderrTail() string { return p.script.Stderr }
func (p *FakeProcess) Pid() int           { return 0 }

func (p *FakeProcess) Wait() error {
	<-p.exited
	return p.waitErr
}

func (p *FakeProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		// Unblocks a pending write when nobody reads stdout any more.
		p.stdout.CloseWithError(ErrKilled)
	})
	return nil
}

// Killed reports whether Kill was called.
func (p *FakeProcess) Killed() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

// Exited is closed once the process has finished.
func (p *FakeProcess) Exited() <-chan struct{} { return p.exited }
