package hostfunc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/mkarlsen/runex/await"
)

func TestToStarlarkRoundTrip(t *testing.T) {
	in := map[string]any{
		"s": "text",
		"i": int64(7),
		"f": 1.5,
		"b": true,
		"l": []any{int64(1), "two"},
		"m": map[string]any{"nested": nil},
	}

	sv, err := ToStarlark(in)
	require.NoError(t, err)

	out, ok := FromStarlark(sv).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "text", out["s"])
	assert.Equal(t, int64(7), out["i"])
	assert.Equal(t, 1.5, out["f"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, []any{int64(1), "two"}, out["l"])
	assert.Equal(t, map[string]any{"nested": nil}, out["m"])
}

func TestToStarlarkUnsupportedType(t *testing.T) {
	type opaque struct{}
	_, err := ToStarlark(opaque{})
	assert.ErrorContains(t, err, "unsupported host result type")
}

func TestToStarlarkFutureWrapsValue(t *testing.T) {
	f := await.NewFuture()
	sv, err := ToStarlark(f)
	require.NoError(t, err)

	fv, ok := sv.(*FutureValue)
	require.True(t, ok)
	assert.Equal(t, "future", fv.Type())
	assert.Same(t, f, fv.Future())

	// FromStarlark unwraps back to the future for the awaiting layer.
	assert.Same(t, f, FromStarlark(fv))
}

func callBuiltin(t *testing.T, dict starlark.StringDict, name string,
	kwargs []starlark.Tuple) (starlark.Value, error) {
	t.Helper()
	b, ok := dict[name]
	require.True(t, ok, name)
	thread := &starlark.Thread{Name: "test"}
	return starlark.Call(thread, b, nil, kwargs)
}

func TestBuiltinsKeywordArgs(t *testing.T) {
	r := NewRegistry()
	r.Register("concat", func(ctx context.Context, args map[string]any) (any, error) {
		return args["a"].(string) + args["b"].(string), nil
	})

	dict := r.Builtins(context.Background())
	got, err := callBuiltin(t, dict, "concat", []starlark.Tuple{
		{starlark.String("a"), starlark.String("x")},
		{starlark.String("b"), starlark.String("y")},
	})
	require.NoError(t, err)
	assert.Equal(t, starlark.String("xy"), got)
}

func TestBuiltinsDictPositional(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return args["v"], nil
	})

	d := starlark.NewDict(1)
	require.NoError(t, d.SetKey(starlark.String("v"), starlark.String("via dict")))

	dict := r.Builtins(context.Background())
	thread := &starlark.Thread{Name: "test"}
	got, err := starlark.Call(thread, dict["echo"], starlark.Tuple{d}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("via dict"), got)
}

func TestBuiltinsErrorIsNamed(t *testing.T) {
	r := NewRegistry()
	r.Register("fail", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("broken")
	})

	dict := r.Builtins(context.Background())
	_, err := callBuiltin(t, dict, "fail", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "fail: broken")
}

func TestBuiltinsRejectBarePositional(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(ctx context.Context, args map[string]any) (any, error) {
		return nil, nil
	})

	dict := r.Builtins(context.Background())
	thread := &starlark.Thread{Name: "test"}
	_, err := starlark.Call(thread, dict["echo"], starlark.Tuple{starlark.String("x")}, nil)
	assert.ErrorContains(t, err, "positional argument must be a dict")
}
