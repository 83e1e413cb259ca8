// Package schedule runs compiled modules under controlled concurrency.
//
// The default mode is exclusive: a single-slot semaphore admits one
// execution system-wide. A synchronous caller that finds the slot held is
// rejected with [ErrAlreadyRunning] rather than queued; an asynchronous
// caller waits for the slot instead. Parallel mode bypasses the slot and
// runs on a bounded worker pool, with every call tracked by a unique
// correlation identifier so it can be cancelled independently.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mkarlsen/runex/compiler"
	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/undo"
)

// ErrAlreadyRunning reports exclusive-slot contention for synchronous
// callers.
var ErrAlreadyRunning = errors.New("an execution is already in progress")

// DefaultParallelWorkers bounds parallel mode when not configured.
const DefaultParallelWorkers = 8

// Job describes one execution handed to the scheduler.
type Job struct {
	Module *compiler.Module
	// Params is passed to entry points that accept a parameter dict.
	Params map[string]any
	// Timeout caps this execution; zero means no cap beyond ctx.
	Timeout time.Duration
	// Parallel bypasses the exclusive slot.
	Parallel bool
	// WaitForSlot makes an exclusive caller wait instead of failing when
	// the slot is held.
	WaitForSlot bool
	// CorrelationID overrides the generated identifier.
	CorrelationID string
}

// Outcome is a successful execution's payload.
type Outcome struct {
	// Value is the entry point's return value in transportable string
	// form; Raw is the unconverted Go value.
	Value string
	Raw   any
	// Logs are the print lines emitted during the run.
	Logs []string
	// CorrelationID identifies the call.
	CorrelationID string
	// Step is the committed undo step, nil when nothing was mutated.
	Step *undo.Step
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithParallelWorkers bounds parallel-mode concurrency.
func WithParallelWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLoader serves load() statements during execution.
func WithLoader(l *compiler.Loader) Option {
	return func(s *Scheduler) { s.loader = l }
}

// Scheduler owns the exclusive slot, the parallel pool and the per-call
// cancellation table. It is safe for concurrent use.
type Scheduler struct {
	logger   *zap.Logger
	registry *hostfunc.Registry
	loader   *compiler.Loader
	workers  int

	slot *semaphore.Weighted
	pool *ants.Pool

	// rootCtx is the scheduler-wide cancel-all source; Close cancels it.
	rootCtx    context.Context
	cancelRoot context.CancelFunc

	calls   sync.Map // correlation id -> context.CancelFunc
	running atomic.Int64

	closeOnce sync.Once
}

// New returns a Scheduler using registry for host builtins.
func New(registry *hostfunc.Registry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		logger:   zap.NewNop(),
		registry: registry,
		workers:  DefaultParallelWorkers,
		slot:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, err
	}
	s.pool = pool
	s.rootCtx, s.cancelRoot = context.WithCancel(context.Background())
	return s, nil
}

// Run executes a job and returns its outcome. Cancellation and timeout
// surface as a context error so callers can tell "failed" from
// "cancelled"; every other failure is an execution error.
func (s *Scheduler) Run(ctx context.Context, job Job) (Outcome, error) {
	id := job.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}

	if job.Parallel {
		return s.runParallel(ctx, job, id)
	}

	if job.WaitForSlot {
		if err := s.slot.Acquire(ctx, 1); err != nil {
			return Outcome{CorrelationID: id}, err
		}
	} else if !s.slot.TryAcquire(1) {
		return Outcome{CorrelationID: id}, ErrAlreadyRunning
	}
	defer s.slot.Release(1)

	return s.execute(ctx, job, id, "runex")
}

// runParallel submits the job to the bounded pool and waits for it.
func (s *Scheduler) runParallel(ctx context.Context, job Job, id string) (Outcome, error) {
	var (
		outcome Outcome
		runErr  error
		done    = make(chan struct{})
	)
	err := s.pool.Submit(func() {
		defer close(done)
		// The pool's own recover would swallow a panicking execution and
		// report it as a zero Outcome; convert it to an error here so
		// both lanes fail the same way.
		defer func() {
			if r := recover(); r != nil {
				outcome = Outcome{CorrelationID: id}
				runErr = fmt.Errorf("unhandled error: %v", r)
			}
		}()
		// Parallel transactions carry the correlation id so their
		// boundaries never merge.
		outcome, runErr = s.execute(ctx, job, id, "runex:"+id)
	})
	if err != nil {
		return Outcome{CorrelationID: id}, err
	}
	<-done
	return outcome, runErr
}

// execute runs one call under the combined cancellation sources and
// guarantees cleanup on every exit path.
func (s *Scheduler) execute(ctx context.Context, job Job, id, txnName string) (Outcome, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Link the scheduler-wide cancel-all source into this call.
	unlink := context.AfterFunc(s.rootCtx, cancel)
	defer unlink()

	if job.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(callCtx, job.Timeout)
		defer cancelTimeout()
	}

	s.calls.Store(id, cancel)
	s.running.Add(1)
	journal := undo.NewJournal(txnName)
	committed := false

	defer func() {
		// Removing the entry first makes a racing Cancel(id) a no-op.
		s.calls.Delete(id)
		s.running.Add(-1)
		// Mutations must not survive any non-committed exit, including a
		// panic unwinding through this frame.
		if !committed {
			journal.Rollback()
		}
	}()

	s.logger.Debug("execution started",
		zap.String("event", "schedule.start"),
		zap.String("correlation_id", id),
		zap.String("transaction", txnName),
		zap.Bool("parallel", job.Parallel))

	raw, logs, err := s.invoke(undo.NewContext(callCtx, journal), job, id)
	if err != nil {
		s.logger.Debug("execution failed",
			zap.String("event", "schedule.fail"),
			zap.String("correlation_id", id),
			zap.Error(err))
		return Outcome{CorrelationID: id, Logs: logs}, err
	}

	outcome := Outcome{
		Value:         Stringify(raw),
		Raw:           raw,
		Logs:          logs,
		CorrelationID: id,
		Step:          journal.Commit(),
	}
	committed = true
	s.logger.Debug("execution finished",
		zap.String("event", "schedule.finish"),
		zap.String("correlation_id", id),
		zap.String("result", outcome.Value))
	return outcome, nil
}

// Cancel cancels the in-flight call with the given correlation id. An
// unknown or already-finished id is a benign no-op.
func (s *Scheduler) Cancel(id string) bool {
	v, ok := s.calls.Load(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

// CancelAll cancels every in-flight call.
func (s *Scheduler) CancelAll() {
	s.calls.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
}

// Running returns the number of in-flight executions.
func (s *Scheduler) Running() int {
	return int(s.running.Load())
}

// Close cancels every call via the cancel-all source and releases the
// pool. Close is idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.cancelRoot()
		s.pool.Release()
	})
}
