// Package await normalizes arbitrary asynchronous return shapes into one
// uniform awaitable contract.
//
// Entry points compiled at runtime may return plain values, the engine's
// own [Future], channels, or third-party future types the engine has never
// seen. [Await] determines generically whether a value is a pending
// asynchronous result and, if so, waits for it and extracts its value:
//
//  1. An [Awaitable] is waited on directly.
//  2. A type with a registered [Adapter] is converted and waited on.
//  3. A receivable channel yields its next value (or its close).
//  4. Anything else is probed by reflection for a conversion method or the
//     duck-typed awaiter protocol (completed flag, get-result, register
//     continuation).
//  5. A value matching none of these is not awaitable and is returned
//     unchanged.
package await

import (
	"context"
	"fmt"
	"reflect"
)

// Awaitable is a possibly-pending asynchronous result.
type Awaitable interface {
	// Done reports whether the result is available.
	Done() bool
	// Result returns the value or error once Done.
	Result() (any, error)
	// OnComplete registers a continuation, which may fire on any
	// goroutine. Registering after completion runs it immediately.
	OnComplete(func())
}

// Await resolves v to its final value. Non-awaitable values are returned
// unchanged. Waiting is bounded by ctx; cancellation returns ctx.Err().
func Await(ctx context.Context, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if aw, ok := v.(Awaitable); ok {
		return wait(ctx, aw)
	}
	if aw, ok := lookupAdapter(v); ok {
		return wait(ctx, aw)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Chan && rv.Type().ChanDir()&reflect.RecvDir != 0 {
		return awaitChan(ctx, rv)
	}
	if aw, ok := probe(v); ok {
		return wait(ctx, aw)
	}
	return v, nil
}

// wait extracts the result of an awaitable, synchronously when it is
// already finished, otherwise through a continuation resolving a Future.
func wait(ctx context.Context, aw Awaitable) (any, error) {
	if aw.Done() {
		return aw.Result()
	}
	if f, ok := aw.(*Future); ok {
		return f.Wait(ctx)
	}

	f := NewFuture()
	aw.OnComplete(func() {
		v, err := aw.Result()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(v)
	})
	return f.Wait(ctx)
}

// awaitChan receives one value from a channel, treating a close as nil and
// a received error value as a failure.
func awaitChan(ctx context.Context, ch reflect.Value) (any, error) {
	chosen, recv, ok := reflect.Select([]reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: ch},
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
	})
	if chosen == 1 {
		return nil, ctx.Err()
	}
	if !ok {
		return nil, nil
	}
	v := recv.Interface()
	if err, isErr := v.(error); isErr {
		return nil, err
	}
	return v, nil
}

// probe inspects v for the duck-typed awaiter protocol. The preference
// order is: a conversion method yielding a *Future, then an explicit
// awaiter (GetAwaiter), then treating v as its own awaiter. An awaiter
// needs a completed flag and a result operation; a continuation
// registration is required only when the result is still pending.
func probe(v any) (Awaitable, bool) {
	rv := reflect.ValueOf(v)

	// Lightweight future shapes convert to the heavier form when a
	// conversion method exists.
	for _, name := range []string{"AsFuture", "Future"} {
		m := rv.MethodByName(name)
		if !m.IsValid() {
			continue
		}
		t := m.Type()
		if t.NumIn() == 0 && t.NumOut() == 1 && t.Out(0) == reflect.TypeOf((*Future)(nil)) {
			out, err := safeCall(m, nil)
			if err != nil {
				return failed(err), true
			}
			if f, ok := out[0].Interface().(*Future); ok && f != nil {
				return f, true
			}
		}
	}

	awaiter := rv
	if m := rv.MethodByName("GetAwaiter"); m.IsValid() {
		t := m.Type()
		if t.NumIn() == 0 && t.NumOut() == 1 {
			out, err := safeCall(m, nil)
			if err != nil {
				return failed(err), true
			}
			awaiter = reflect.ValueOf(out[0].Interface())
		}
	}
	if !awaiter.IsValid() {
		return nil, false
	}

	completed := methodOf(awaiter, "IsCompleted", "IsDone", "Completed")
	result := methodOf(awaiter, "GetResult", "Result")
	// Prefer the unsafe/fast registration when both exist.
	continuation := methodOf(awaiter, "UnsafeOnCompleted", "OnCompleted", "OnComplete")

	if !completed.IsValid() || !result.IsValid() {
		return nil, false
	}
	if completed.Type().NumIn() != 0 || completed.Type().NumOut() != 1 ||
		completed.Type().Out(0).Kind() != reflect.Bool {
		return nil, false
	}

	aw := &reflectAwaitable{
		completed:    completed,
		result:       result,
		continuation: continuation,
	}
	if !aw.Done() && !continuation.IsValid() {
		// Pending with no way to register a continuation: not awaitable.
		return nil, false
	}
	return aw, true
}

func methodOf(v reflect.Value, names ...string) reflect.Value {
	for _, name := range names {
		if m := v.MethodByName(name); m.IsValid() {
			return m
		}
	}
	return reflect.Value{}
}

// reflectAwaitable drives an unknown future type through its reflected
// awaiter methods.
type reflectAwaitable struct {
	completed    reflect.Value
	result       reflect.Value
	continuation reflect.Value
}

func (a *reflectAwaitable) Done() bool {
	out, err := safeCall(a.completed, nil)
	if err != nil {
		// A failing completed-flag counts as finished; the failure
		// surfaces from Result.
		return true
	}
	return out[0].Bool()
}

func (a *reflectAwaitable) Result() (any, error) {
	out, err := safeCall(a.result, nil)
	if err != nil {
		return nil, err
	}
	var value any
	for _, o := range out {
		v := o.Interface()
		if e, isErr := v.(error); isErr {
			if e != nil {
				return nil, e
			}
			continue
		}
		if value == nil {
			value = v
		}
	}
	return value, nil
}

func (a *reflectAwaitable) OnComplete(fn func()) {
	if !a.continuation.IsValid() {
		fn()
		return
	}
	t := a.continuation.Type()
	if t.NumIn() != 1 || t.In(0).Kind() != reflect.Func {
		fn()
		return
	}
	cb := reflect.MakeFunc(t.In(0), func([]reflect.Value) []reflect.Value {
		fn()
		return nil
	})
	if _, err := safeCall(a.continuation, []reflect.Value{cb}); err != nil {
		fn()
	}
}

// failed wraps an error raised while probing into an already-completed
// awaitable so callers see it through the normal result path.
func failed(err error) Awaitable {
	f := NewFuture()
	f.Reject(err)
	return f
}

// safeCall invokes a reflected method, converting a panic into the
// underlying error. The panic wrapper is stripped so callers report the
// real cause.
func safeCall(m reflect.Value, args []reflect.Value) (out []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("awaitable panicked: %v", r)
		}
	}()
	return m.Call(args), nil
}
