// Package sandbox is the one-call convenience surface: run a single
// snippet in a throwaway restricted engine and tear it down.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mkarlsen/runex/engine"
	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/security"
)

// Result is the outcome of one sandboxed run.
type Result struct {
	// Value is the snippet's result value, if any.
	Value string
	// Output is the snippet's print output.
	Output   string
	Duration time.Duration
	Error    error
}

// Config bounds a sandboxed run. The zero Config is unusable; start from
// DefaultConfig.
type Config struct {
	Timeout      time.Duration
	Policy       *security.Policy
	AllowedHosts []string
	Mounts       []hostfunc.Mount
	Registry     *hostfunc.Registry
	EntryPoint   string
	Params       map[string]any
}

// DefaultConfig returns a restricted config with a 30 second timeout.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// Run executes one snippet under cfg. Each call gets a fresh engine, so
// no state leaks between runs.
func Run(code string, cfg Config) Result {
	start := time.Now()

	policy := security.DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if cfg.Timeout > 0 {
		policy.MaxExecutionTime = cfg.Timeout
	}

	if len(cfg.AllowedHosts) > 0 {
		policy.AllowNetworkAccess = true
	}
	if len(cfg.Mounts) > 0 {
		policy.AllowFileSystemAccess = true
	}

	opts := []engine.Option{engine.WithPolicy(policy)}
	if cfg.Registry != nil {
		opts = append(opts, engine.WithRegistry(cfg.Registry))
	}
	if len(cfg.AllowedHosts) > 0 {
		opts = append(opts, engine.WithHTTP(hostfunc.HTTPConfig{AllowedHosts: cfg.AllowedHosts}))
	}
	if len(cfg.Mounts) > 0 {
		opts = append(opts, engine.WithMounts(cfg.Mounts))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return Result{Duration: time.Since(start), Error: err}
	}
	defer eng.Close()

	var runOpts []engine.RunOption
	if cfg.EntryPoint != "" {
		runOpts = append(runOpts, engine.WithEntryPoint(cfg.EntryPoint))
	}
	if cfg.Params != nil {
		runOpts = append(runOpts, engine.WithParams(cfg.Params))
	}

	res := eng.Run(context.Background(), code, runOpts...)

	out := Result{
		Value:    res.Value,
		Output:   strings.Join(res.Logs, "\n"),
		Duration: res.Duration,
	}
	if !res.Success {
		out.Error = errors.New(res.Error)
	}
	return out
}
