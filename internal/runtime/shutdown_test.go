package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewShutdownManager(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	if m == nil {
		t.Fatal("NewShutdownManager returned nil")
	}

	if m.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", m.timeout)
	}

	if NewShutdownManager(0).timeout != DefaultShutdownTimeout {
		t.Error("zero timeout should fall back to the default")
	}
}

func TestShutdownManager_Register(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var called int32

	m.Register("test-handler", func(ctx context.Context) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	if err := m.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if atomic.LoadInt32(&called) != 1 {
		t.Error("handler was not called")
	}
}

func TestShutdownManager_RegisterSimple(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var called bool

	m.RegisterSimple("simple-handler", func() {
		called = true
	})

	m.Shutdown()

	if !called {
		t.Error("simple handler was not called")
	}
}

func TestShutdownManager_LIFO(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	order := make([]int, 0, 3)
	m.RegisterSimple("first", func() {
		order = append(order, 1)
	})
	m.RegisterSimple("second", func() {
		order = append(order, 2)
	})
	m.RegisterSimple("third", func() {
		order = append(order, 3)
	})

	m.Shutdown()

	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Errorf("expected [3 2 1], got %v", order)
	}
}

func TestShutdownManager_Context(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	ctx := m.Context()

	select {
	case <-ctx.Done():
		t.Fatal("context should not be cancelled before shutdown")
	default:
	}

	var sawCancel bool
	m.RegisterSimple("check", func() {
		sawCancel = ctx.Err() != nil
	})

	m.Shutdown()

	if !sawCancel {
		t.Error("context should be cancelled before handlers run")
	}
}

func TestShutdownManager_Done(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	done := m.Done()

	select {
	case <-done:
		t.Fatal("done channel should not be closed before shutdown")
	default:
	}

	m.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel should be closed after shutdown")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	m := NewShutdownManager(100 * time.Millisecond)

	var skipped int32
	m.RegisterSimple("never-reached", func() {
		atomic.AddInt32(&skipped, 1)
	})
	m.Register("stuck-handler", func(ctx context.Context) error {
		time.Sleep(5 * time.Second)
		return nil
	})

	start := time.Now()
	err := m.Shutdown()
	duration := time.Since(start)

	if duration > 500*time.Millisecond {
		t.Errorf("shutdown took too long: %v", duration)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if atomic.LoadInt32(&skipped) != 0 {
		t.Error("handlers after the deadline should be skipped")
	}
}

func TestShutdownManager_ErrorHandling(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	m.Register("error-handler", func(ctx context.Context) error {
		return errors.New("test error")
	})

	var ran bool
	m.Register("success-handler", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := m.Shutdown()
	if err == nil || err.Error() != "error-handler: test error" {
		t.Errorf("unexpected error: %v", err)
	}
	if !ran {
		t.Error("a failing handler must not stop the others")
	}
}

func TestShutdownManager_PanickingHandler(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var ran bool
	m.RegisterSimple("after", func() { ran = true })
	m.RegisterSimple("boom", func() { panic("bad cleanup") })

	if err := m.Shutdown(); err == nil {
		t.Error("panic should surface as an error")
	}
	if !ran {
		t.Error("handlers after a panic should still run")
	}
}

func TestShutdownManager_OnlyOnce(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var callCount int32

	m.Register("once-handler", func(ctx context.Context) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})

	m.Shutdown()
	m.Shutdown()
	m.Shutdown()

	if atomic.LoadInt32(&callCount) != 1 {
		t.Errorf("handler should only be called once, got %d", callCount)
	}
}

func TestListenForSignalsStop(t *testing.T) {
	m := NewShutdownManager(time.Second)
	stop := m.ListenForSignals()
	stop()
	stop()

	select {
	case <-m.Done():
		t.Fatal("stopping the listener must not trigger shutdown")
	default:
	}
}
