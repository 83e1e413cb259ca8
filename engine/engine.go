// Package engine orchestrates dynamic code execution: policy gate,
// validation, compilation, scheduled execution and statistics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarlsen/runex/compiler"
	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/schedule"
	"github.com/mkarlsen/runex/security"
	"github.com/mkarlsen/runex/stats"
	"github.com/mkarlsen/runex/undo"
)

var (
	// ErrDisabled is the fixed rejection when the policy level is
	// Disabled. It is a configuration error, not an execution attempt,
	// and never touches statistics.
	ErrDisabled = errors.New("code execution must be enabled")

	// ErrAlreadyRunning re-exports exclusive-slot contention.
	ErrAlreadyRunning = schedule.ErrAlreadyRunning
)

// Engine compiles and executes dynamic code under a security policy.
// It is safe for concurrent use.
type Engine struct {
	logger   *zap.Logger
	registry *hostfunc.Registry
	kv       *hostfunc.KVStore
	compiler *compiler.Compiler
	sched    *schedule.Scheduler
	tracker  *stats.Tracker

	policyMu  sync.RWMutex
	policy    security.Policy
	validator *security.Validator

	undoMu    sync.Mutex
	undoStack []*undo.Step
	undoDepth int
}

// New builds an Engine. The zero configuration uses the default
// Restricted policy, a nop logger, and the built-in host capabilities
// (kv store, time_now, sleep_async); filesystem and network capabilities
// are registered only when configured, and every call through them is
// re-gated by the live policy.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		logger:    cfg.logger,
		policy:    cfg.policy,
		validator: security.NewValidator(cfg.policy),
		tracker:   stats.NewTracker(),
		undoDepth: cfg.undoDepth,
	}

	e.registry = cfg.registry
	if e.registry == nil {
		e.registry = hostfunc.NewRegistry()
	}
	e.registry.Register("time_now", hostfunc.NewTimeNow())
	e.registry.Register("sleep_async", hostfunc.NewSleepAsync())
	e.kv = hostfunc.NewKVStore(cfg.kvOptions...)
	hostfunc.RegisterKV(e.registry, e.kv)
	if len(cfg.mounts) > 0 {
		e.wireFS(cfg.mounts, cfg.fsOptions)
	}
	if len(cfg.httpConfig.AllowedHosts) > 0 {
		e.wireHTTP(cfg.httpConfig)
	}

	e.compiler = compiler.New(cfg.policy, e.registry.List())

	schedOpts := []schedule.Option{
		schedule.WithLogger(cfg.logger),
		schedule.WithParallelWorkers(cfg.workers),
	}
	if cfg.libraryDir != "" {
		schedOpts = append(schedOpts,
			schedule.WithLoader(compiler.NewLoader(cfg.libraryDir, cfg.libraryAllow)))
	}
	sched, err := schedule.New(e.registry, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	e.sched = sched
	return e, nil
}

// wireFS registers the fs_* capabilities, each call re-checked against
// the live policy so SetPolicy takes effect immediately.
func (e *Engine) wireFS(mounts []hostfunc.Mount, opts []hostfunc.FSOption) {
	gated := hostfunc.NewRegistry()
	hostfunc.RegisterFS(gated, mounts, opts...)
	for name, fn := range gated.All() {
		e.registry.Register(name, e.guard(fn, func(p security.Policy) bool {
			return p.AllowFileSystemAccess
		}, "filesystem access is not allowed by the security policy"))
	}
}

// wireHTTP registers the http_* capabilities behind the live policy's
// network gate.
func (e *Engine) wireHTTP(cfg hostfunc.HTTPConfig) {
	gated := hostfunc.NewRegistry()
	hostfunc.RegisterHTTP(gated, cfg)
	for name, fn := range gated.All() {
		e.registry.Register(name, e.guard(fn, func(p security.Policy) bool {
			return p.AllowNetworkAccess
		}, "network access is not allowed by the security policy"))
	}
}

func (e *Engine) guard(fn hostfunc.Func, allowed func(security.Policy) bool, denied string) hostfunc.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		if !allowed(e.Policy()) {
			return nil, errors.New(denied)
		}
		return fn(ctx, args)
	}
}

// Run compiles and executes code, returning exactly one terminal Result.
// It is the synchronous variant: if the exclusive slot is held the call
// fails with an already-in-progress result instead of queuing.
func (e *Engine) Run(ctx context.Context, code string, opts ...RunOption) Result {
	return e.run(ctx, code, false, opts)
}

// RunWait is the asynchronous variant: a caller arriving while the
// exclusive slot is held waits for it instead of failing.
func (e *Engine) RunWait(ctx context.Context, code string, opts ...RunOption) Result {
	return e.run(ctx, code, true, opts)
}

func (e *Engine) run(ctx context.Context, code string, wait bool, opts []RunOption) (res Result) {
	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.correlationID
	if id == "" {
		id = uuid.NewString()
	}
	policy := e.Policy()

	// Disabled is a configuration error: reject before compiling and
	// leave the statistics counters untouched.
	if policy.Level == security.Disabled {
		e.logger.Warn("execution rejected: engine disabled",
			zap.String("event", "engine.disabled"),
			zap.String("correlation_id", id))
		return e.finish(failure(id, 0, ErrDisabled.Error()), cfg)
	}

	start := time.Now()

	// Nothing below may escape as a raw fault; an unexpected panic
	// becomes a generic failure carrying the original error, and still
	// counts as a terminal outcome.
	defer func() {
		if r := recover(); r != nil {
			elapsed := time.Since(start)
			e.tracker.Record(false, elapsed)
			e.logger.Error("unhandled execution fault",
				zap.String("event", "engine.panic"),
				zap.String("correlation_id", id),
				zap.Any("fault", r))
			res = failure(id, elapsed, fmt.Sprintf("unhandled error: %v", r))
		}
	}()

	e.logger.Debug("execution requested",
		zap.String("event", "engine.start"),
		zap.String("correlation_id", id),
		zap.Bool("compile_only", cfg.compileOnly),
		zap.Bool("parallel", cfg.parallel))

	e.policyMu.RLock()
	validator := e.validator
	e.policyMu.RUnlock()

	if violations := validator.CheckSource(code); len(violations) > 0 {
		return e.finish(e.failValidation(id, start, violations, nil), cfg)
	}

	cres := e.compiler.Compile(compiler.Request{
		Source:     code,
		EntryPoint: cfg.entryPoint,
		Namespace:  cfg.namespace,
	})
	// Violations discovered during compilation fail the request even when
	// the module itself compiled, and take message priority over a plain
	// compile error.
	if len(cres.Violations) > 0 {
		return e.finish(e.failValidation(id, start, cres.Violations, cres.Diagnostics), cfg)
	}
	if !cres.OK {
		elapsed := time.Since(start)
		e.tracker.RecordCompileError()
		e.tracker.Record(false, elapsed)
		e.logger.Debug("compilation failed",
			zap.String("event", "engine.compile_error"),
			zap.String("correlation_id", id),
			zap.Int("diagnostics", len(cres.Diagnostics)))
		r := failure(id, elapsed, cres.ErrorMessage())
		r.Diagnostics = cres.Diagnostics
		return e.finish(r, cfg)
	}

	if cfg.compileOnly {
		// Validated without running: success with no result value.
		elapsed := time.Since(start)
		e.tracker.Record(true, elapsed)
		e.logger.Debug("compile-only succeeded",
			zap.String("event", "engine.compile_only"),
			zap.String("correlation_id", id))
		return e.finish(Result{
			Success:       true,
			CompileOnly:   true,
			Duration:      elapsed,
			CorrelationID: id,
		}, cfg)
	}

	timeout := cfg.timeout
	if timeout == 0 {
		timeout = policy.MaxExecutionTime
	}
	outcome, err := e.sched.Run(ctx, schedule.Job{
		Module:        cres.Module,
		Params:        cfg.params,
		Timeout:       timeout,
		Parallel:      cfg.parallel,
		WaitForSlot:   wait,
		CorrelationID: id,
	})
	elapsed := time.Since(start)

	if err != nil {
		e.tracker.Record(false, elapsed)
		cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		e.logger.Info("execution failed",
			zap.String("event", "engine.fail"),
			zap.String("correlation_id", outcome.CorrelationID),
			zap.Bool("cancelled", cancelled),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		r := failure(outcome.CorrelationID, elapsed, failureMessage(err))
		r.Cancelled = cancelled
		r.Logs = outcome.Logs
		return e.finish(r, cfg)
	}

	e.tracker.Record(true, elapsed)
	e.pushUndo(outcome.Step)
	e.logger.Info("execution succeeded",
		zap.String("event", "engine.success"),
		zap.String("correlation_id", outcome.CorrelationID),
		zap.Duration("elapsed", elapsed))
	return e.finish(Result{
		Success:       true,
		Value:         outcome.Value,
		Duration:      elapsed,
		CorrelationID: outcome.CorrelationID,
		Logs:          outcome.Logs,
	}, cfg)
}

func (e *Engine) failValidation(id string, start time.Time, violations []security.Violation,
	diags []compiler.Diagnostic) Result {
	elapsed := time.Since(start)
	securityFinding := false
	for _, v := range violations {
		if v.Type == security.ViolationSelfElevation || v.Type == security.ViolationForbiddenNamespace {
			securityFinding = true
			break
		}
	}
	if securityFinding {
		e.tracker.RecordViolation()
	} else {
		e.tracker.RecordCompileError()
	}
	e.tracker.Record(false, elapsed)
	e.logger.Info("execution rejected by security policy",
		zap.String("event", "engine.violation"),
		zap.String("correlation_id", id),
		zap.Int("violations", len(violations)))

	r := failure(id, elapsed, violations[0].Error())
	r.Violations = violations
	r.Diagnostics = diags
	return r
}

func (e *Engine) finish(r Result, cfg runConfig) Result {
	if cfg.withStats {
		snapshot := e.tracker.Snapshot()
		r.Stats = &snapshot
	}
	return r
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "execution timed out"
	case errors.Is(err, context.Canceled):
		return "execution cancelled"
	default:
		return err.Error()
	}
}

// SetPolicy replaces the active security policy. In-flight executions
// keep the policy they started with; compiled-module caching is keyed by
// policy so no stale decision survives.
func (e *Engine) SetPolicy(policy security.Policy) {
	e.policyMu.Lock()
	e.policy = policy
	e.validator = security.NewValidator(policy)
	e.policyMu.Unlock()
	e.compiler.SetPolicy(policy)
	e.logger.Info("security policy updated",
		zap.String("event", "engine.policy"),
		zap.String("level", policy.Level.String()))
}

// Policy returns the active security policy.
func (e *Engine) Policy() security.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// Statistics returns an immutable snapshot of the execution counters.
func (e *Engine) Statistics() stats.Statistics {
	return e.tracker.Snapshot()
}

// Cancel cancels the in-flight execution with the given correlation id.
// Unknown ids are a benign no-op.
func (e *Engine) Cancel(correlationID string) bool {
	return e.sched.Cancel(correlationID)
}

// CancelAll cancels every in-flight execution.
func (e *Engine) CancelAll() {
	e.sched.CancelAll()
}

// Running returns the number of in-flight executions.
func (e *Engine) Running() int {
	return e.sched.Running()
}

// KV returns the engine's key-value store, for host-side inspection.
func (e *Engine) KV() *hostfunc.KVStore {
	return e.kv
}

// Registry returns the engine's host function registry. Functions
// registered after New are visible to later compiles once the compiler's
// predeclared set is refreshed with RefreshBuiltins.
func (e *Engine) Registry() *hostfunc.Registry {
	return e.registry
}

// RefreshBuiltins re-publishes the registry's names to the compiler.
func (e *Engine) RefreshBuiltins() {
	e.compiler.SetPredeclared(e.registry.List())
}

// pushUndo retains a committed step on the bounded undo stack.
func (e *Engine) pushUndo(step *undo.Step) {
	if step == nil || e.undoDepth == 0 {
		return
	}
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	e.undoStack = append(e.undoStack, step)
	if len(e.undoStack) > e.undoDepth {
		e.undoStack = e.undoStack[len(e.undoStack)-e.undoDepth:]
	}
}

// Undo reverts the most recent completed execution's host-state mutations
// as one step. It returns the transaction name, or false when there is
// nothing to undo.
func (e *Engine) Undo() (string, bool) {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	if len(e.undoStack) == 0 {
		return "", false
	}
	step := e.undoStack[len(e.undoStack)-1]
	e.undoStack = e.undoStack[:len(e.undoStack)-1]
	step.Undo()
	return step.Name(), true
}

// Close cancels in-flight executions and releases the scheduler.
func (e *Engine) Close() {
	e.sched.Close()
}
