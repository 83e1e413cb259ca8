package hostfunc

import (
	"context"
	"sync"
	"time"

	"github.com/mkarlsen/runex/await"
)

// Func is a host function callable from sandboxed code.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry manages the host functions exposed to an execution.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a host function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Get returns the named host function.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// All returns a copy of the registered functions.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	funcs := make(map[string]Func, len(r.funcs))
	for name, fn := range r.funcs {
		funcs[name] = fn
	}
	return funcs
}

// Clone returns an independent registry with the same functions.
func (r *Registry) Clone() *Registry {
	clone := NewRegistry()
	for name, fn := range r.All() {
		clone.Register(name, fn)
	}
	return clone
}

// MaxSleep caps sleep_async so sandboxed code cannot park a worker forever.
const MaxSleep = time.Minute

// NewTimeNow returns the time_now host function.
func NewTimeNow() Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	}
}

// NewSleepAsync returns the sleep_async host function. It returns a pending
// future that resolves after the requested number of seconds, giving
// sandboxed code a genuinely asynchronous result to return.
func NewSleepAsync() Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		seconds := floatArg(args, "seconds")
		if seconds < 0 {
			seconds = 0
		}
		d := time.Duration(seconds * float64(time.Second))
		if d > MaxSleep {
			d = MaxSleep
		}

		f := await.NewFuture()
		timer := time.AfterFunc(d, func() { f.Resolve(seconds) })
		if done := ctx.Done(); done != nil {
			stop := context.AfterFunc(ctx, func() {
				timer.Stop()
				f.Reject(ctx.Err())
			})
			f.OnComplete(func() { stop() })
		}
		return f, nil
	}
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
