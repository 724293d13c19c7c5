// Package correlate matches outbound requests with the server event that
// answers them. A waiter is keyed by request kind; there is at most one
// outstanding waiter per key and each waiter settles exactly once.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout    = errors.New("correlation timed out")
	ErrSuperseded = errors.New("superseded by a newer request")
	ErrCleared    = errors.New("pending requests cleared")
)

type result struct {
	data json.RawMessage
	err  error
}

type Waiter struct {
	key  string
	p    *Pending
	ch   chan result
	once sync.Once
}

func (w *Waiter) Key() string { return w.key }

func (w *Waiter) settle(r result) bool {
	settled := false
	w.once.Do(func() {
		w.ch <- r
		settled = true
	})
	return settled
}

// Wait blocks until the waiter is resolved, rejected, cleared, the timeout
// elapses or ctx is done. On timeout the waiter removes itself, but only if no
// newer waiter has taken its key.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case r := <-w.ch:
		return r.data, r.err
	case <-expired:
		w.p.drop(w)
		if w.settle(result{err: ErrTimeout}) {
			return nil, ErrTimeout
		}
		r := <-w.ch
		return r.data, r.err
	case <-ctx.Done():
		w.p.drop(w)
		if w.settle(result{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		r := <-w.ch
		return r.data, r.err
	}
}

// Cancel abandons the waiter without waiting.
func (w *Waiter) Cancel() {
	w.p.drop(w)
	w.settle(result{err: context.Canceled})
}

type Pending struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

func New() *Pending {
	return &Pending{waiters: make(map[string]*Waiter)}
}

// Expect registers a waiter for key. An older waiter on the same key is
// rejected with ErrSuperseded.
func (p *Pending) Expect(key string) *Waiter {
	w := &Waiter{key: key, p: p, ch: make(chan result, 1)}
	p.mu.Lock()
	old := p.waiters[key]
	p.waiters[key] = w
	p.mu.Unlock()
	if old != nil {
		old.settle(result{err: ErrSuperseded})
	}
	return w
}

// Resolve settles the waiter for key. It reports false when nothing waited.
func (p *Pending) Resolve(key string, data json.RawMessage) bool {
	w := p.take(key)
	if w == nil {
		return false
	}
	return w.settle(result{data: data})
}

func (p *Pending) Reject(key string, err error) bool {
	w := p.take(key)
	if w == nil {
		return false
	}
	return w.settle(result{err: err})
}

// RejectAll settles every outstanding waiter with err.
func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	ws := p.waiters
	p.waiters = make(map[string]*Waiter)
	p.mu.Unlock()
	for _, w := range ws {
		w.settle(result{err: err})
	}
	return len(ws)
}

// Clear drops every waiter. Blocked callers are released with ErrCleared.
func (p *Pending) Clear() {
	p.RejectAll(ErrCleared)
}

func (p *Pending) Has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiters[key]
	return ok
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

func (p *Pending) take(key string) *Waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.waiters[key]
	delete(p.waiters, key)
	return w
}

func (p *Pending) drop(w *Waiter) {
	p.mu.Lock()
	if p.waiters[w.key] == w {
		delete(p.waiters, w.key)
	}
	p.mu.Unlock()
}
