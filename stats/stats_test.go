package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordCounts(t *testing.T) {
	tr := NewTracker()

	tr.Record(true, 10*time.Millisecond)
	tr.Record(true, 20*time.Millisecond)
	tr.Record(false, 30*time.Millisecond)

	s := tr.Snapshot()
	assert.Equal(t, int64(3), s.Total)
	assert.Equal(t, int64(2), s.Succeeded)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, 20*time.Millisecond, s.AverageDuration)
}

func TestRecordViolationAndCompileError(t *testing.T) {
	tr := NewTracker()

	tr.RecordViolation()
	tr.RecordViolation()
	tr.RecordCompileError()

	s := tr.Snapshot()
	assert.Equal(t, int64(2), s.Violations)
	assert.Equal(t, int64(1), s.CompileErrors)
	// Violations and compile errors are findings, not executions.
	assert.Equal(t, int64(0), s.Total)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Record(true, time.Millisecond)

	s := tr.Snapshot()
	s.Total = 99

	assert.Equal(t, int64(1), tr.Snapshot().Total)
}

func TestConcurrentRecording(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Record(i%2 == 0, time.Millisecond)
		}(i)
	}
	wg.Wait()

	s := tr.Snapshot()
	assert.Equal(t, int64(50), s.Total)
	assert.Equal(t, int64(25), s.Succeeded)
	assert.Equal(t, int64(25), s.Failed)
}
