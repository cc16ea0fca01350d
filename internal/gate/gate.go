// Package gate bounds concurrent work globally and serializes it per key.
//
// A single FIFO queue holds every waiter. Dispatch walks the queue from the
// front and grants each waiter whose key is free while slots remain, so a
// waiter is only passed over while its own key is held.
package gate

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrBackpressure is returned when the wait queue is full.
var ErrBackpressure = errors.New("admission queue full")

// Policy selects overflow behavior.
type Policy string

const (
	// PolicyReject fails a request that would have to wait once MaxQueue
	// waiters are queued.
	PolicyReject Policy = "reject"
	// PolicyWait ignores MaxQueue and waits until the context ends.
	PolicyWait Policy = "wait"
)

// ParsePolicy validates an overflow policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyReject, PolicyWait:
		return p, nil
	case "":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q (want reject or wait)", s)
}

// Options configures a Gate.
type Options struct {
	Limit    int
	MaxQueue int
	Policy   Policy
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
	Limit  int `json:"limit"`
}

type waiter struct {
	key   string
	ready chan struct{}
	// granted is set under the gate mutex before ready is closed.
	granted bool
}

// Gate is the admission gate. The zero value is not usable; call New.
type Gate struct {
	mu       sync.Mutex
	limit    int
	maxQueue int
	policy   Policy
	active   int
	busy     map[string]bool
	queue    *list.List // of *waiter
}

// New creates a gate. Limit is clamped to at least 1 and MaxQueue to at least 0.
func New(opts Options) *Gate {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	if opts.MaxQueue < 0 {
		opts.MaxQueue = 0
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}
	return &Gate{
		limit:    opts.Limit,
		maxQueue: opts.MaxQueue,
		policy:   opts.Policy,
		busy:     make(map[string]bool),
		queue:    list.New(),
	}
}

// Permit is held while work for its key runs.
type Permit struct {
	g    *Gate
	key  string
	once sync.Once
}

// Key returns the key the permit was granted for.
func (p *Permit) Key() string { return p.key }

// Release returns the permit. Safe to call more than once.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.release(p.key)
	})
}

// Acquire blocks until a permit for key is available, ctx ends, or the
// queue overflows under the reject policy.
func (g *Gate) Acquire(ctx context.Context, key string) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if g.active < g.limit && !g.busy[key] {
		g.grantLocked(key)
		g.mu.Unlock()
		return &Permit{g: g, key: key}, nil
	}
	if g.policy == PolicyReject && g.queue.Len() >= g.maxQueue {
		g.mu.Unlock()
		return nil, ErrBackpressure
	}
	w := &waiter{key: key, ready: make(chan struct{})}
	elem := g.queue.PushBack(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return &Permit{g: g, key: key}, nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Granted between ctx.Done and taking the lock; hand it back.
			g.mu.Unlock()
			g.release(key)
			return nil, ctx.Err()
		}
		g.queue.Remove(elem)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire grants a permit only if one is immediately available.
func (g *Gate) TryAcquire(key string) (*Permit, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active < g.limit && !g.busy[key] {
		g.grantLocked(key)
		return &Permit{g: g, key: key}, true
	}
	return nil, false
}

// Stats returns current counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Active: g.active, Queued: g.queue.Len(), Limit: g.limit}
}

func (g *Gate) grantLocked(key string) {
	g.active++
	g.busy[key] = true
}

func (g *Gate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	delete(g.busy, key)
	g.dispatchLocked()
}

func (g *Gate) dispatchLocked() {
	for e := g.queue.Front(); e != nil && g.active < g.limit; {
		next := e.Next()
		w := e.Value.(*waiter)
		if !g.busy[w.key] {
			g.queue.Remove(e)
			g.grantLocked(w.key)
			w.granted = true
			close(w.ready)
		}
		e = next
	}
}
