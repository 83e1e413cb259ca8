package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/schedule"
	"github.com/mkarlsen/runex/security"
)

// DefaultUndoDepth bounds the engine's undo stack.
const DefaultUndoDepth = 32

type config struct {
	policy       security.Policy
	logger       *zap.Logger
	registry     *hostfunc.Registry
	workers      int
	undoDepth    int
	kvOptions    []hostfunc.KVOption
	mounts       []hostfunc.Mount
	fsOptions    []hostfunc.FSOption
	httpConfig   hostfunc.HTTPConfig
	libraryDir   string
	libraryAllow []string
}

func defaultConfig() config {
	return config{
		policy:    security.DefaultPolicy(),
		logger:    zap.NewNop(),
		workers:   schedule.DefaultParallelWorkers,
		undoDepth: DefaultUndoDepth,
	}
}

// Option configures an Engine at construction.
type Option func(*config)

// WithPolicy sets the initial security policy.
func WithPolicy(policy security.Policy) Option {
	return func(c *config) { c.policy = policy }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRegistry seeds the engine with a prepared host function registry.
// The built-in capabilities are registered on top of it.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithParallelWorkers bounds the parallel execution pool.
func WithParallelWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithUndoDepth bounds the undo stack; zero disables undo retention.
func WithUndoDepth(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.undoDepth = n
		}
	}
}

// WithKVOptions bounds the built-in key-value store.
func WithKVOptions(opts ...hostfunc.KVOption) Option {
	return func(c *config) { c.kvOptions = opts }
}

// WithMounts enables the filesystem capability on the given mounts.
// Calls still require AllowFileSystemAccess in the live policy.
func WithMounts(mounts []hostfunc.Mount, opts ...hostfunc.FSOption) Option {
	return func(c *config) {
		c.mounts = mounts
		c.fsOptions = opts
	}
}

// WithHTTP enables the HTTP capability for the configured hosts.
// Calls still require AllowNetworkAccess in the live policy.
func WithHTTP(cfg hostfunc.HTTPConfig) Option {
	return func(c *config) { c.httpConfig = cfg }
}

// WithLibraryDir lets sandboxed code load() modules from dir. An empty
// allow list permits any module under dir.
func WithLibraryDir(dir string, allowed ...string) Option {
	return func(c *config) {
		c.libraryDir = dir
		c.libraryAllow = allowed
	}
}

type runConfig struct {
	entryPoint    string
	namespace     string
	params        map[string]any
	timeout       time.Duration
	compileOnly   bool
	parallel      bool
	correlationID string
	withStats     bool
}

func defaultRunConfig() runConfig {
	return runConfig{}
}

// RunOption configures a single execution.
type RunOption func(*runConfig)

// WithEntryPoint overrides the entry function name.
func WithEntryPoint(name string) RunOption {
	return func(c *runConfig) { c.entryPoint = name }
}

// WithNamespace names the compiled module, isolating its compile cache.
func WithNamespace(ns string) RunOption {
	return func(c *runConfig) { c.namespace = ns }
}

// WithParams passes named parameters to the entry point.
func WithParams(params map[string]any) RunOption {
	return func(c *runConfig) { c.params = params }
}

// WithTimeout overrides the policy's maximum execution time for this call.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.timeout = d }
}

// WithCompileOnly validates and compiles without executing.
func WithCompileOnly() RunOption {
	return func(c *runConfig) { c.compileOnly = true }
}

// WithParallel runs the call on the bounded worker pool instead of the
// exclusive slot, independently cancellable by correlation id.
func WithParallel() RunOption {
	return func(c *runConfig) { c.parallel = true }
}

// WithCorrelationID pins the call's correlation id; one is generated
// otherwise.
func WithCorrelationID(id string) RunOption {
	return func(c *runConfig) { c.correlationID = id }
}

// WithStatsSnapshot attaches a statistics snapshot to the result.
func WithStatsSnapshot() RunOption {
	return func(c *runConfig) { c.withStats = true }
}
