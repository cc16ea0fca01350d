// Package exec provides a testable process launching abstraction.
// Bridges launch backend CLIs through a Launcher so tests can script them.
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	osexec "os/exec"
	"sync"
	"time"
)

// ErrKilled is returned by Wait when the process was killed through Kill.
var ErrKilled = errors.New("process killed")

// DefaultStderrTail is how many trailing stderr bytes a process keeps.
const DefaultStderrTail = 4 << 10

// Spec describes a process to launch.
type Spec struct {
	Name string
	Args []string
	Dir  string
	// Env overrides environment variables (nil = inherit from parent)
	Env []string
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %v", s.Name, s.Args)
}

// Process is a running command whose stdout is consumed as a stream.
type Process interface {
	// Stdout must be read to EOF before Wait.
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and everything it spawned. Idempotent.
	Kill() error
	// StderrTail returns the last bytes written to stderr.
	StderrTail() string
	// Pid returns the OS process id, or 0 when there is none.
	Pid() int
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// OSLauncher implements Launcher using os/exec. Each process gets its own
// process group so Kill reaches grandchildren too.
type OSLauncher struct {
	// WaitDelay bounds how long Wait blocks on I/O after the process exits.
	WaitDelay time.Duration
}

// NewOSLauncher creates a new OS-based launcher.
func NewOSLauncher() *OSLauncher {
	return &OSLauncher{WaitDelay: 2 * time.Second}
}

// Launch starts spec. Cancelling ctx kills the process group.
func (l *OSLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if spec.Name == "" {
		return nil, errors.New("exec: empty command name")
	}
	cmd := osexec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = l.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	tail := NewTailBuffer(DefaultStderrTail)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: tail}, nil
}

type osProcess struct {
	cmd    *osexec.Cmd
	stdout io.Reader
	stderr *TailBuffer

	killOnce sync.Once
	killed   bool
	mu       sync.Mutex
}

func (p *osProcess) Stdout() io.Reader  { return p.stdout }
func (p *osProcess) StderrTail() string { return p.stderr.String() }
func (p *osProcess) Pid() int           { return p.cmd.Process.Pid }

func (p *osProcess) Wait() error {
	err := p.cmd.Wait()
	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()
	if killed && err != nil {
		return ErrKilled
	}
	return err
}

func (p *osProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		err = killGroup(p.cmd)
	})
	return err
}

// ExitCode extracts the exit status from a Wait error, or -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *osexec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	var fe *FakeExitError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return -1
}

// TailBuffer is an io.Writer that keeps only the last N bytes written.
type TailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

// NewTailBuffer creates a buffer holding at most max bytes.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
