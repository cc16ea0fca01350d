package logging

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned when a recovered panic is converted to an error.
type PanicError struct {
	Component string
	Value     interface{}
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// RecoveryHandler handles panics with logging.
type RecoveryHandler struct {
	Component string
	OnPanic   func(err interface{}, stack string)
}

// NewRecoveryHandler creates a recovery handler for a component.
func NewRecoveryHandler(component string) *RecoveryHandler {
	return &RecoveryHandler{
		Component: component,
	}
}

// Wrap executes fn with panic recovery.
func (r *RecoveryHandler) Wrap(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	fn()
}

// WrapError executes fn with panic recovery, returning error on panic.
func (r *RecoveryHandler) WrapError(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = r.handlePanic(rec, string(debug.Stack()))
		}
	}()
	return fn()
}

func (r *RecoveryHandler) handlePanic(rec interface{}, stack string) error {
	New(r.Component).Error("panic_recovered", Fields{
		"panic":     fmt.Sprintf("%v", rec),
		"stack":     stack,
		"recovered": true,
	}, nil)

	if r.OnPanic != nil {
		r.OnPanic(rec, stack)
	}
	return &PanicError{Component: r.Component, Value: rec, Stack: stack}
}

// SafeGo launches a goroutine with panic recovery.
func SafeGo(component string, fn func()) {
	go NewRecoveryHandler(component).Wrap(fn)
}

// RecoverTo converts a panic into *errp. Must be deferred directly:
//
//	defer logging.RecoverTo(&err, "orchestrator")
func RecoverTo(errp *error, component string) {
	if rec := recover(); rec != nil {
		err := NewRecoveryHandler(component).handlePanic(rec, string(debug.Stack()))
		if errp != nil {
			*errp = err
		}
	}
}
