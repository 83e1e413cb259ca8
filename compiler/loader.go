package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.starlark.net/starlark"
)

// Loader serves load() statements from a directory of .star library
// files. When an allowlist is configured, only the named libraries can be
// loaded; everything else is rejected, so a library directory can be
// mounted without exposing all of it to sandboxed code.
type Loader struct {
	dir     string
	allowed map[string]bool

	mu    sync.Mutex
	cache map[string]*loadEntry
}

type loadEntry struct {
	globals starlark.StringDict
	err     error
	// done is closed once globals and err are final.
	done chan struct{}
}

// chainLocal is the thread-local key carrying the stack of libraries the
// current load chain is executing. A cycle is re-entry on this stack, not
// a concurrent load of the same library by another execution.
const chainLocal = "runex.loadChain"

// NewLoader returns a Loader over dir. A nil or empty allowed list allows
// every library in the directory.
func NewLoader(dir string, allowed []string) *Loader {
	l := &Loader{
		dir:   dir,
		cache: make(map[string]*loadEntry),
	}
	if len(allowed) > 0 {
		l.allowed = make(map[string]bool, len(allowed))
		for _, name := range allowed {
			l.allowed[normalizeLibrary(name)] = true
		}
	}
	return l
}

// Load implements starlark.Thread.Load. Results are cached; each library
// executes once. A load cycle within one execution's load chain is
// reported as an error, while concurrent executions loading the same
// library wait for the first load to finish.
func (l *Loader) Load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	name := normalizeLibrary(module)
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid library name %q", module)
	}
	if l.allowed != nil && !l.allowed[name] {
		return nil, fmt.Errorf("library %q is not allowed", module)
	}

	chain, _ := thread.Local(chainLocal).([]string)
	for _, ancestor := range chain {
		if ancestor == name {
			return nil, fmt.Errorf("cycle in load graph at %q", module)
		}
	}

	l.mu.Lock()
	entry, ok := l.cache[name]
	if ok {
		l.mu.Unlock()
		// Another execution got here first; its close of done publishes
		// the entry's result.
		<-entry.done
		return entry.globals, entry.err
	}
	entry = &loadEntry{done: make(chan struct{})}
	l.cache[name] = entry
	l.mu.Unlock()

	entry.globals, entry.err = l.exec(thread, name, append(chain, name))
	close(entry.done)
	return entry.globals, entry.err
}

func (l *Loader) exec(parent *starlark.Thread, name string, chain []string) (starlark.StringDict, error) {
	if l.dir == "" {
		return nil, errors.New("library loading is not configured")
	}
	path := filepath.Join(l.dir, name+".star")
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("library %q not found", name)
		}
		return nil, fmt.Errorf("read library %q: %w", name, err)
	}

	thread := &starlark.Thread{
		Name:  "load:" + name,
		Load:  l.Load,
		Print: parent.Print,
	}
	thread.SetLocal(chainLocal, chain)
	globals, err := starlark.ExecFileOptions(fileOptions, thread, name+".star", src, nil)
	if err != nil {
		return nil, fmt.Errorf("library %q: %w", name, err)
	}

	// Underscore-prefixed names stay private to the library.
	exports := make(starlark.StringDict, len(globals))
	for k, v := range globals {
		if !strings.HasPrefix(k, "_") {
			exports[k] = v
		}
	}
	return exports, nil
}

func normalizeLibrary(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".star")
}
