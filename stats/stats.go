// Package stats tracks running execution counters for the engine.
package stats

import (
	"sync"
	"time"
)

// Statistics is an immutable snapshot of the tracker's counters.
type Statistics struct {
	Total         int64
	Succeeded     int64
	Failed        int64
	Violations    int64
	CompileErrors int64
	// AverageDuration is the running mean over all recorded executions.
	AverageDuration time.Duration
}

// Tracker accumulates execution counters. All mutation happens under one
// mutex; readers only ever see copies.
type Tracker struct {
	mu            sync.Mutex
	total         int64
	succeeded     int64
	failed        int64
	violations    int64
	compileErrors int64
	avg           time.Duration
}

// NewTracker returns a zeroed Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record counts one terminal execution outcome and folds its duration into
// the running average.
func (t *Tracker) Record(success bool, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if success {
		t.succeeded++
	} else {
		t.failed++
	}
	// Incremental mean keeps the sum from overflowing.
	t.avg += (d - t.avg) / time.Duration(t.total)
}

// RecordViolation counts one security violation finding.
func (t *Tracker) RecordViolation() {
	t.mu.Lock()
	t.violations++
	t.mu.Unlock()
}

// RecordCompileError counts one failed compilation.
func (t *Tracker) RecordCompileError() {
	t.mu.Lock()
	t.compileErrors++
	t.mu.Unlock()
}

// Snapshot returns an immutable copy of the current counters.
func (t *Tracker) Snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Statistics{
		Total:           t.total,
		Succeeded:       t.succeeded,
		Failed:          t.failed,
		Violations:      t.violations,
		CompileErrors:   t.compileErrors,
		AverageDuration: t.avg,
	}
}
