package callstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callcenter/pkg/errorsx"
)

var (
	ErrNotFound = errorsx.New(errorsx.ReasonCallStateMissing, "callstate: call not found")
	ErrExists   = errors.New("callstate: call already exists")
)

type entry struct {
	mu      sync.Mutex
	state   *State
	removed bool
}

// Registry maps call ids to conversation state. Each entry has its own lock;
// calls never contend with each other.
type Registry struct {
	entries sync.Map
	count   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Create(s State) error {
	if s.CallID == "" {
		return errors.New("callstate: call id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	e := &entry{state: s.Clone()}
	if _, loaded := r.entries.LoadOrStore(s.CallID, e); loaded {
		return fmt.Errorf("%s: %w", s.CallID, ErrExists)
	}
	r.count.Add(1)
	return nil
}

// Get returns a snapshot of the call's state.
func (r *Registry) Get(callID string) (State, error) {
	e, ok := r.load(callID)
	if !ok {
		return State{}, notFound(callID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return State{}, notFound(callID)
	}
	return *e.state.Clone(), nil
}

// Update runs fn on a copy of the call's state and commits the copy only when
// fn returns nil. fn runs under the entry lock and must not block.
func (r *Registry) Update(callID string, fn func(*State) error) (State, error) {
	e, ok := r.load(callID)
	if !ok {
		return State{}, notFound(callID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return State{}, notFound(callID)
	}
	next := e.state.Clone()
	if err := fn(next); err != nil {
		return *e.state.Clone(), err
	}
	e.state = next
	return *next.Clone(), nil
}

// Delete removes the call and returns its final state. Only the first caller
// gets ok=true.
func (r *Registry) Delete(callID string) (State, bool) {
	v, ok := r.entries.LoadAndDelete(callID)
	if !ok {
		return State{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	r.count.Add(-1)
	return *e.state.Clone(), true
}

// Range calls fn with a snapshot of every call until fn returns false.
func (r *Registry) Range(fn func(State) bool) {
	r.entries.Range(func(key, value any) bool {
		callID, ok := key.(string)
		if !ok {
			return true
		}
		s, err := r.Get(callID)
		if err != nil {
			return true
		}
		return fn(s)
	})
}

// Snapshot returns every call's summary ordered by creation time.
func (r *Registry) Snapshot() []Summary {
	var out []Summary
	r.Range(func(s State) bool {
		out = append(out, s.Summary())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (r *Registry) load(callID string) (*entry, bool) {
	v, ok := r.entries.Load(callID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func notFound(callID string) error {
	return fmt.Errorf("%s: %w", callID, ErrNotFound)
}
