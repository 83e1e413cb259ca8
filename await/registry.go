package await

import (
	"reflect"
	"sync"
)

// Adapter converts a value of a known concrete future type into an
// Awaitable. Adapters cover asynchronous result types the engine knows
// about ahead of time; genuinely unknown types fall back to the
// reflection probe in Await.
type Adapter func(v any) Awaitable

var adapters sync.Map // reflect.Type -> Adapter

// RegisterAdapter associates an Adapter with a concrete type. Registering a
// type twice replaces the earlier adapter.
func RegisterAdapter(t reflect.Type, a Adapter) {
	adapters.Store(t, a)
}

func lookupAdapter(v any) (Awaitable, bool) {
	a, ok := adapters.Load(reflect.TypeOf(v))
	if !ok {
		return nil, false
	}
	return a.(Adapter)(v), true
}
