package schedule

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"
)

// token exposes a call's cancellation state to sandboxed code, so
// cooperative entry points can poll it from long-running loops:
//
//	def main(params, ctx):
//	    while not ctx.cancelled():
//	        step()
type token struct {
	ctx context.Context
}

func newToken(ctx context.Context) *token {
	return &token{ctx: ctx}
}

func (t *token) String() string        { return "<cancel_token>" }
func (t *token) Type() string          { return "cancel_token" }
func (t *token) Freeze()               {}
func (t *token) Truth() starlark.Bool  { return starlark.True }
func (t *token) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: cancel_token") }

func (t *token) Attr(name string) (starlark.Value, error) {
	switch name {
	case "cancelled":
		return starlark.NewBuiltin("cancelled", func(thread *starlark.Thread, b *starlark.Builtin,
			args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return starlark.Bool(t.ctx.Err() != nil), nil
		}), nil
	case "reason":
		return starlark.NewBuiltin("reason", func(thread *starlark.Thread, b *starlark.Builtin,
			args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := t.ctx.Err(); err != nil {
				return starlark.String(err.Error()), nil
			}
			return starlark.String(""), nil
		}), nil
	default:
		return nil, nil
	}
}

func (t *token) AttrNames() []string { return []string{"cancelled", "reason"} }
