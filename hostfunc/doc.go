// Package hostfunc provides the host capability surface for sandboxed code.
//
// Host functions are Go functions callable from dynamic code, giving
// controlled access to external resources. Sandboxed code has no implicit
// access to anything; each capability must be registered explicitly, and
// the engine only wires the filesystem and network capabilities when the
// active security policy allows them.
//
// # Registry
//
// The [Registry] manages available host functions and bridges them into
// the script runtime as builtins:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("my_func", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "result", nil
//	})
//
// # Built-in capabilities
//
// Key-value store ([KVStore]), mount-scoped filesystem ([FS]), allow-listed
// HTTP ([HTTP]), time_now and sleep_async. Capabilities that mutate host
// state record inverse operations into the execution's undo journal, so a
// run's side effects collapse into one undoable step.
//
// # Asynchronous results
//
// A host function may return an *await.Future. The bridge hands it to
// sandboxed code as a future value; returning that value from the entry
// point makes the whole execution asynchronous.
package hostfunc
