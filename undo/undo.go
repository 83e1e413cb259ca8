// Package undo scopes host-state mutations to a single execution so they
// can be collapsed into one undoable step or rolled back wholesale.
//
// The engine opens a named [Journal] per execution and threads it through
// the call's context; host capabilities that mutate state record the
// inverse operation as they go. On success the journal is committed and
// becomes one step on the engine's undo stack; on failure or cancellation
// it is rolled back, reverting every mutation in reverse order.
package undo

import (
	"context"
	"sync"
)

// Journal collects inverse operations for one execution.
type Journal struct {
	name string

	mu      sync.Mutex
	entries []func()
	closed  bool
}

// NewJournal returns an open journal. Parallel executions use
// distinguishable names so their boundaries never merge.
func NewJournal(name string) *Journal {
	return &Journal{name: name}
}

// Name returns the journal's transaction name.
func (j *Journal) Name() string {
	return j.name
}

// Record appends an inverse operation. Recording into a closed journal is
// a no-op; cleanup and late host calls race by design.
func (j *Journal) Record(inverse func()) {
	if inverse == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.entries = append(j.entries, inverse)
}

// Len returns the number of recorded operations.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Rollback reverts every recorded mutation in reverse order and closes the
// journal. Rolling back twice is a no-op.
func (j *Journal) Rollback() {
	j.mu.Lock()
	entries := j.entries
	j.entries = nil
	closed := j.closed
	j.closed = true
	j.mu.Unlock()

	if closed {
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i]()
	}
}

// Commit closes the journal, collapsing its mutations into one undoable
// step. The returned step reverts the whole execution; a nil step means
// nothing was mutated.
func (j *Journal) Commit() *Step {
	j.mu.Lock()
	entries := j.entries
	j.entries = nil
	closed := j.closed
	j.closed = true
	j.mu.Unlock()

	if closed || len(entries) == 0 {
		return nil
	}
	return &Step{name: j.name, entries: entries}
}

// Step is one committed, undoable execution.
type Step struct {
	name    string
	entries []func()
}

// Name returns the transaction name of the originating journal.
func (s *Step) Name() string {
	return s.name
}

// Undo reverts the step's mutations in reverse order.
func (s *Step) Undo() {
	for i := len(s.entries) - 1; i >= 0; i-- {
		s.entries[i]()
	}
}

type ctxKey struct{}

// NewContext returns a context carrying the journal.
func NewContext(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the journal carried by ctx, or nil.
func FromContext(ctx context.Context) *Journal {
	j, _ := ctx.Value(ctxKey{}).(*Journal)
	return j
}
