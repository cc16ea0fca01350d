package graph

import (
	"context"
	"sync"
)

// Call records one query sent to a FakeDriver.
type Call struct {
	Query  string
	Params map[string]any
	Write  bool
}

// FakeDriver is a scripted Driver for tests. Handler decides the response
// for each query; a nil Handler returns no rows.
type FakeDriver struct {
	mu      sync.Mutex
	Handler func(query string, params map[string]any) ([]Record, error)
	Calls   []Call
	PingErr error
	Closed  bool
}

var _ Driver = (*FakeDriver)(nil)

// NewFakeDriver creates a fake driver with the given handler.
func NewFakeDriver(h func(query string, params map[string]any) ([]Record, error)) *FakeDriver {
	return &FakeDriver{Handler: h}
}

func (f *FakeDriver) do(query string, params map[string]any, write bool) ([]Record, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, Call{Query: query, Params: params, Write: write})
	h := f.Handler
	f.mu.Unlock()
	if h == nil {
		return nil, nil
	}
	return h(query, params)
}

func (f *FakeDriver) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	return f.do(query, params, false)
}

func (f *FakeDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	return f.do(query, params, true)
}

func (f *FakeDriver) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) Ping(ctx context.Context) error { return f.PingErr }

// LastCall returns the most recent call.
func (f *FakeDriver) LastCall() Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calls) == 0 {
		return Call{}
	}
	return f.Calls[len(f.Calls)-1]
}
