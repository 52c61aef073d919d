// Package session owns session identity and the idempotency guards that
// keep side effects at-most-once per session.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque session or inference identifier.
func NewID() string {
	return uuid.NewString()
}

// Tracker records which side effects already happened for a session id.
// Each Register* method returns true exactly once per id; every later call
// with the same id returns false, no matter which asynchronous path asks.
type Tracker struct {
	mu       sync.Mutex
	started  map[string]struct{}
	pasted   map[string]struct{}
	inserted map[string]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		started:  make(map[string]struct{}),
		pasted:   make(map[string]struct{}),
		inserted: make(map[string]struct{}),
	}
}

func (t *Tracker) RegisterInferenceStart(id string) bool {
	return t.register(t.started, id)
}

func (t *Tracker) RegisterPaste(id string) bool {
	return t.register(t.pasted, id)
}

func (t *Tracker) RegisterHistoryInsert(id string) bool {
	return t.register(t.inserted, id)
}

func (t *Tracker) register(set map[string]struct{}, id string) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := set[id]; seen {
		return false
	}
	set[id] = struct{}{}
	return true
}

// Reset drops every recorded id. Called when a new recording session
// starts; entries are never removed individually.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = make(map[string]struct{})
	t.pasted = make(map[string]struct{})
	t.inserted = make(map[string]struct{})
}
