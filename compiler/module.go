package compiler

import (
	"errors"
	"fmt"

	"go.starlark.net/starlark"
)

// Entry-point resolution errors.
var (
	// ErrNoEntryPoint means the module exposes no entry function.
	ErrNoEntryPoint = errors.New("no entry point found")
	// ErrUnsupportedSignature means the entry exists but cannot be called.
	ErrUnsupportedSignature = errors.New("unsupported entry point signature")
)

// EntryKind describes which arguments an entry point accepts, in the
// engine's preference order.
type EntryKind int

const (
	// EntryParamsCtx takes the parameter dict and the cancellation token.
	EntryParamsCtx EntryKind = iota
	// EntryParams takes only the parameter dict.
	EntryParams
	// EntryCtx takes only the cancellation token.
	EntryCtx
	// EntryNiladic takes no arguments.
	EntryNiladic
)

// Module is an opaque handle to successfully compiled, invokable code.
type Module struct {
	namespace string
	entry     string
	program   *starlark.Program
	wrapped   bool
}

// Namespace returns the module's diagnostic/transaction name.
func (m *Module) Namespace() string { return m.namespace }

// EntryPoint returns the entry function name.
func (m *Module) EntryPoint() string { return m.entry }

// Wrapped reports whether the source was snippet-wrapped at compile time.
func (m *Module) Wrapped() bool { return m.wrapped }

// Init executes the module's top-level statements on thread and returns
// its globals. Each execution gets a fresh globals dict; compiled programs
// are safely shared between threads.
func (m *Module) Init(thread *starlark.Thread, predeclared starlark.StringDict) (starlark.StringDict, error) {
	return m.program.Init(thread, predeclared)
}

// Entry is a resolved, invokable entry point.
type Entry struct {
	Fn   *starlark.Function
	Kind EntryKind
}

// ResolveEntry locates the entry function in a module's globals.
//
// Preference order over the supported shapes: (params, ctx), (params),
// (ctx), (). A missing global is ErrNoEntryPoint; a non-function global,
// varargs/kwargs, or arity above two is ErrUnsupportedSignature.
func (m *Module) ResolveEntry(globals starlark.StringDict) (Entry, error) {
	v, ok := globals[m.entry]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q is not defined", ErrNoEntryPoint, m.entry)
	}
	fn, ok := v.(*starlark.Function)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q is a %s, not a function",
			ErrUnsupportedSignature, m.entry, v.Type())
	}
	if fn.HasVarargs() || fn.HasKwargs() {
		return Entry{}, fmt.Errorf("%w: %q uses varargs or kwargs",
			ErrUnsupportedSignature, m.entry)
	}

	switch fn.NumParams() {
	case 2:
		return Entry{Fn: fn, Kind: EntryParamsCtx}, nil
	case 1:
		name, _ := fn.Param(0)
		if isTokenParam(name) {
			return Entry{Fn: fn, Kind: EntryCtx}, nil
		}
		return Entry{Fn: fn, Kind: EntryParams}, nil
	case 0:
		return Entry{Fn: fn, Kind: EntryNiladic}, nil
	default:
		return Entry{}, fmt.Errorf("%w: %q takes %d parameters",
			ErrUnsupportedSignature, m.entry, fn.NumParams())
	}
}

// isTokenParam decides whether a single parameter wants the cancellation
// token rather than the parameter dict.
func isTokenParam(name string) bool {
	switch name {
	case "ctx", "cancel", "token":
		return true
	default:
		return false
	}
}
