package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/mkarlsen/runex/await"
	"github.com/mkarlsen/runex/compiler"
	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/schedule"
	"github.com/mkarlsen/runex/security"
	"github.com/mkarlsen/runex/undo"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionBusy   = errors.New("session busy")
)

// Session evaluates chunks against persistent globals, so definitions and
// assignments survive across calls. Chunks run under the same policy gate,
// validation and statistics as one-shot executions; each chunk is its own
// transaction boundary on the undo stack.
type Session struct {
	engine *Engine
	name   string

	mu      sync.Mutex
	closed  bool
	globals starlark.StringDict
}

type sessionConfig struct {
	name string
}

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

// WithSessionName names the session in diagnostics and transaction names.
func WithSessionName(name string) SessionOption {
	return func(c *sessionConfig) { c.name = name }
}

// NewSession returns a session bound to the engine's registry, policy and
// statistics.
func (e *Engine) NewSession(opts ...SessionOption) *Session {
	cfg := sessionConfig{name: "session"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{
		engine:  e,
		name:    cfg.name,
		globals: make(starlark.StringDict),
	}
}

// Run evaluates one chunk. A chunk that parses as an expression reports
// its value; otherwise it executes as statements and its top-level
// bindings join the session globals. Chunks are serialized: a chunk
// arriving while another runs fails with ErrSessionBusy.
func (s *Session) Run(ctx context.Context, chunk string) Result {
	if !s.mu.TryLock() {
		return failure("", 0, ErrSessionBusy.Error())
	}
	defer s.mu.Unlock()

	id := uuid.NewString()
	if s.closed {
		return failure(id, 0, ErrSessionClosed.Error())
	}

	e := s.engine
	policy := e.Policy()
	if policy.Level == security.Disabled {
		return failure(id, 0, ErrDisabled.Error())
	}

	start := time.Now()

	e.policyMu.RLock()
	validator := e.validator
	e.policyMu.RUnlock()
	if violations := validator.CheckSource(chunk); len(violations) > 0 {
		return e.failValidation(id, start, violations, nil)
	}

	if policy.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.MaxExecutionTime)
		defer cancel()
	}

	journal := undo.NewJournal("session:" + s.name)
	ctx = undo.NewContext(ctx, journal)

	var (
		logMu sync.Mutex
		logs  []string
	)
	thread := &starlark.Thread{
		Name: s.name,
		Print: func(_ *starlark.Thread, msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	unlink := context.AfterFunc(ctx, func() {
		thread.Cancel("execution cancelled")
	})
	defer unlink()

	value, err := s.eval(ctx, thread, chunk, validator)
	elapsed := time.Since(start)

	if err != nil {
		journal.Rollback()
		if violations := asViolations(err); violations != nil {
			return e.failValidation(id, start, violations, nil)
		}
		e.tracker.Record(false, elapsed)
		cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		e.logger.Debug("session chunk failed",
			zap.String("event", "session.fail"),
			zap.String("session", s.name),
			zap.String("correlation_id", id),
			zap.Error(err))
		r := failure(id, elapsed, failureMessage(err))
		r.Cancelled = cancelled
		r.Logs = logs
		return r
	}

	e.tracker.Record(true, elapsed)
	e.pushUndo(journal.Commit())
	return Result{
		Success:       true,
		Value:         schedule.Stringify(value),
		Duration:      elapsed,
		CorrelationID: id,
		Logs:          logs,
	}
}

// violationError carries AST findings out of eval so Run can route them
// through the violation path.
type violationError struct {
	violations []security.Violation
}

func (e *violationError) Error() string { return e.violations[0].Error() }

func asViolations(err error) []security.Violation {
	var ve *violationError
	if errors.As(err, &ve) {
		return ve.violations
	}
	return nil
}

func (s *Session) eval(ctx context.Context, thread *starlark.Thread, chunk string,
	validator *security.Validator) (any, error) {

	opts := compiler.FileOptions()

	// An expression chunk echoes its value.
	if expr, err := opts.ParseExpr(s.name, chunk, 0); err == nil {
		env := s.environment(ctx)
		val, err := starlark.EvalExprOptions(opts, thread, expr, env)
		if err != nil {
			return nil, sessionErr(ctx, err)
		}
		awaited, err := awaitValue(ctx, val)
		if err != nil {
			return nil, sessionErr(ctx, err)
		}
		return awaited, nil
	}

	f, err := opts.Parse(s.name, chunk, 0)
	if err != nil {
		return nil, err
	}
	if violations := validator.InspectFile(f); len(violations) > 0 {
		return nil, &violationError{violations: violations}
	}

	globals, err := starlark.ExecFileOptions(opts, thread, s.name, chunk, s.environment(ctx))
	if err != nil {
		return nil, sessionErr(ctx, err)
	}
	for name, v := range globals {
		s.globals[name] = v
	}
	return nil, nil
}

// environment layers the session globals over the host builtins. Builtins
// are rebound per chunk so host calls see the chunk's context and journal.
func (s *Session) environment(ctx context.Context) starlark.StringDict {
	builtins := s.engine.registry.Builtins(ctx)
	env := make(starlark.StringDict, len(builtins)+len(s.globals))
	for name, v := range builtins {
		env[name] = v
	}
	for name, v := range s.globals {
		env[name] = v
	}
	return env
}

// awaitValue unwraps a pending asynchronous result and passes plain
// values through.
func awaitValue(ctx context.Context, val starlark.Value) (any, error) {
	return await.Await(ctx, hostfunc.FromStarlark(val))
}

func sessionErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		if cause := ee.Unwrap(); cause != nil {
			return cause
		}
		return errors.New(ee.Msg)
	}
	return err
}

// Globals returns the names bound so far, for completion and inspection.
func (s *Session) Globals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.globals))
	for name := range s.globals {
		names = append(names, name)
	}
	return names
}

// Close marks the session closed. Subsequent Run calls fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
