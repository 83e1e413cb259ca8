package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.starlark.net/starlark"

	"github.com/mkarlsen/runex/await"
	"github.com/mkarlsen/runex/compiler"
	"github.com/mkarlsen/runex/hostfunc"
)

// invoke initializes the module on a fresh thread, resolves and calls the
// entry point, and normalizes an awaitable return value.
func (s *Scheduler) invoke(ctx context.Context, job Job, id string) (any, []string, error) {
	var (
		logMu sync.Mutex
		logs  []string
	)
	thread := &starlark.Thread{
		Name: id,
		Print: func(_ *starlark.Thread, msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	if s.loader != nil {
		thread.Load = s.loader.Load
	}

	// Hard backstop: context cancellation stops the interpreter even when
	// the entry point never polls the token.
	unlink := context.AfterFunc(ctx, func() {
		thread.Cancel("execution cancelled")
	})
	defer unlink()

	snapshot := func() []string {
		logMu.Lock()
		defer logMu.Unlock()
		return logs
	}

	globals, err := job.Module.Init(thread, s.registry.Builtins(ctx))
	if err != nil {
		return nil, snapshot(), normalizeErr(ctx, err)
	}

	entry, err := job.Module.ResolveEntry(globals)
	if err != nil {
		return nil, snapshot(), err
	}

	args, err := buildArgs(ctx, entry, job.Params)
	if err != nil {
		return nil, snapshot(), err
	}

	ret, err := starlark.Call(thread, entry.Fn, args, nil)
	if err != nil {
		return nil, snapshot(), normalizeErr(ctx, err)
	}

	// The entry point may have returned a pending asynchronous result;
	// the adapter waits and unwraps it, and passes plain values through.
	value, err := await.Await(ctx, hostfunc.FromStarlark(ret))
	if err != nil {
		return nil, snapshot(), normalizeErr(ctx, err)
	}
	return value, snapshot(), nil
}

// buildArgs shapes the call arguments for the resolved entry kind.
func buildArgs(ctx context.Context, entry compiler.Entry, params map[string]any) (starlark.Tuple, error) {
	var dict starlark.Value
	needsParams := entry.Kind == compiler.EntryParamsCtx || entry.Kind == compiler.EntryParams
	if needsParams {
		if params == nil {
			params = map[string]any{}
		}
		v, err := hostfunc.ToStarlark(params)
		if err != nil {
			return nil, fmt.Errorf("convert parameters: %w", err)
		}
		dict = v
	}

	switch entry.Kind {
	case compiler.EntryParamsCtx:
		return starlark.Tuple{dict, newToken(ctx)}, nil
	case compiler.EntryParams:
		return starlark.Tuple{dict}, nil
	case compiler.EntryCtx:
		return starlark.Tuple{newToken(ctx)}, nil
	default:
		return nil, nil
	}
}

// normalizeErr prefers the context's cancellation signal and unwraps
// interpreter back-trace wrappers to the real cause.
func normalizeErr(ctx context.Context, err error) error {
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

// Stringify converts a result value to its transportable string form.
func Stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case starlark.Value:
		if s, ok := starlark.AsString(v); ok {
			return s
		}
		return v.String()
	case bool:
		if v {
			return "True"
		}
		return "False"
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}
