package hostfunc

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/mkarlsen/runex/await"
)

// Builtins exposes every registered host function as a Starlark builtin.
// Host functions take keyword arguments only; the bound ctx carries the
// call's cancellation and undo journal.
func (r *Registry) Builtins(ctx context.Context) starlark.StringDict {
	dict := make(starlark.StringDict)
	for name, fn := range r.All() {
		dict[name] = builtinFor(ctx, name, fn)
	}
	return dict
}

func builtinFor(ctx context.Context, name string, fn Func) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin,
		args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		m := make(map[string]any, len(kwargs))
		switch len(args) {
		case 0:
		case 1:
			d, ok := args[0].(*starlark.Dict)
			if !ok {
				return nil, fmt.Errorf("%s: positional argument must be a dict", b.Name())
			}
			for _, item := range d.Items() {
				key, ok := starlark.AsString(item[0])
				if !ok {
					return nil, fmt.Errorf("%s: dict keys must be strings", b.Name())
				}
				m[key] = FromStarlark(item[1])
			}
		default:
			return nil, fmt.Errorf("%s: expected keyword arguments", b.Name())
		}
		for _, kv := range kwargs {
			key, _ := starlark.AsString(kv[0])
			m[key] = FromStarlark(kv[1])
		}

		res, err := fn(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return ToStarlark(res)
	})
}

// ToStarlark converts a host function result into a Starlark value.
func ToStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case *await.Future:
		return &FutureValue{future: v}, nil
	case string:
		return starlark.String(v), nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case []string:
		list := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			list = append(list, starlark.String(e))
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, 0, len(v))
		for _, e := range v {
			sv, err := ToStarlark(e)
			if err != nil {
				return nil, err
			}
			list = append(list, sv)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		for k, e := range v {
			sv, err := ToStarlark(e)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported host result type %T", v)
	}
}

// FromStarlark converts a Starlark value into its Go form. Values with no
// natural Go shape (functions, sets) pass through unchanged.
func FromStarlark(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.String:
		return string(v)
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		return float64(v)
	case *starlark.List:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			out = append(out, FromStarlark(v.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(v))
		for _, e := range v {
			out = append(out, FromStarlark(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = FromStarlark(item[1])
		}
		return out
	case *FutureValue:
		return v.future
	default:
		return v
	}
}

// FutureValue wraps a pending host result as a Starlark value, so async
// host functions can hand futures back through sandboxed code. The engine
// unwraps the future when the entry point returns it.
type FutureValue struct {
	future *await.Future
}

// NewFutureValue wraps a future for Starlark.
func NewFutureValue(f *await.Future) *FutureValue {
	return &FutureValue{future: f}
}

// Future returns the wrapped future.
func (f *FutureValue) Future() *await.Future { return f.future }

func (f *FutureValue) String() string {
	if f.future.Done() {
		return "<future done>"
	}
	return "<future pending>"
}

func (f *FutureValue) Type() string          { return "future" }
func (f *FutureValue) Freeze()               {}
func (f *FutureValue) Truth() starlark.Bool  { return starlark.True }
func (f *FutureValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: future") }

// Attr exposes done() and result() to sandboxed code.
func (f *FutureValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "done":
		return starlark.NewBuiltin("done", func(thread *starlark.Thread, b *starlark.Builtin,
			args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(f.future.Done()), nil
		}), nil
	case "result":
		return starlark.NewBuiltin("result", func(thread *starlark.Thread, b *starlark.Builtin,
			args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if !f.future.Done() {
				return starlark.None, nil
			}
			v, err := f.future.Result()
			if err != nil {
				return nil, err
			}
			return ToStarlark(v)
		}), nil
	default:
		return nil, nil
	}
}

func (f *FutureValue) AttrNames() []string { return []string{"done", "result"} }
