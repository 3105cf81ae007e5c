// Package correlation holds the connection identifier that ties an HTTP upload
// to the notification channel it should report progress on.
//
// The identifier is a capability token: it is only meaningful while the
// channel that issued it stays connected. The registry never clears it, so
// callers that care about validity compare epochs or ask the session state.
package correlation

import (
	"fmt"
	"sync"
	"time"
)

type ConnectionID string

func (id ConnectionID) String() string { return string(id) }

// Binding is the identifier together with the connection epoch it was
// negotiated on.
type Binding struct {
	ID    ConnectionID
	Epoch uint64
	SetAt time.Time
}

// StaleError reports that a binding no longer matches the live connection.
type StaleError struct {
	ID           ConnectionID
	Epoch        uint64
	CurrentEpoch uint64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("connection id %q from epoch %d is stale (current epoch %d)", e.ID, e.Epoch, e.CurrentEpoch)
}

type Registry struct {
	mu      sync.RWMutex
	current Binding
	ready   chan struct{}
	sets    int
	onSet   []func(Binding)
}

func NewRegistry() *Registry {
	return &Registry{ready: make(chan struct{})}
}

// Get returns the last negotiated identifier, or false if none was ever set.
func (r *Registry) Get() (ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.ID, r.current.ID != ""
}

func (r *Registry) Current() Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Set records a freshly negotiated identifier. Empty identifiers are ignored.
func (r *Registry) Set(id ConnectionID, epoch uint64) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.current = Binding{ID: id, Epoch: epoch, SetAt: time.Now()}
	first := r.sets == 0
	r.sets++
	hooks := append([]func(Binding){}, r.onSet...)
	b := r.current
	r.mu.Unlock()

	if first {
		close(r.ready)
	}
	for _, fn := range hooks {
		fn(b)
	}
}

// Ready is closed once the first identifier has been set.
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// Check compares the stored binding with the epoch of the live connection.
func (r *Registry) Check(liveEpoch uint64) error {
	b := r.Current()
	if b.ID == "" || b.Epoch == liveEpoch {
		return nil
	}
	return &StaleError{ID: b.ID, Epoch: b.Epoch, CurrentEpoch: liveEpoch}
}

// OnSet registers a hook called after every Set.
func (r *Registry) OnSet(fn func(Binding)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSet = append(r.onSet, fn)
}

// Sets reports how many identifiers have been recorded.
func (r *Registry) Sets() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sets
}
