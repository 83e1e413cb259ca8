package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mkarlsen/runex/engine"
	"github.com/mkarlsen/runex/hostfunc"
	"github.com/mkarlsen/runex/security"
)

var rootCmd = &cobra.Command{
	Use:   "runex [file]",
	Short: "Dynamic code execution engine",
	Long: `runex - Compile and run untrusted code snippets under a security policy.

Run code from files, inline strings, or stdin. By default code runs in
restricted mode: no filesystem, no network, bounded execution time.
Enable capabilities explicitly with flags.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: runex.yaml)")
	pf.String("log-level", "warn", "Log level: debug, info, warn, error")
	pf.StringP("security", "s", "restricted", "Security level: disabled, restricted, full")
	pf.StringSlice("forbid", nil, "Forbidden namespace prefix (repeatable)")
	pf.Bool("allow-fs", false, "Allow filesystem access")
	pf.Bool("allow-net", false, "Allow network access")
	pf.StringSlice("allow-host", nil, "Allow HTTP to host (repeatable, implies --allow-net)")
	pf.StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable, implies --allow-fs)")
	pf.Int("workers", 8, "Parallel execution workers")
	pf.String("libraries", "", "Directory sandboxed code may load() modules from")

	addRunFlags(rootCmd)
}

// setup loads config and builds the engine shared by every command.
func setup(cmd *cobra.Command) (*appConfig, *engine.Engine, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, eng, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func buildEngine(cfg *appConfig, logger *zap.Logger) (*engine.Engine, error) {
	level, err := security.ParseLevel(cfg.Security)
	if err != nil {
		return nil, err
	}

	var mounts []hostfunc.Mount
	for _, spec := range cfg.Mounts {
		m, err := parseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	policy := security.DefaultPolicy()
	policy.Level = level
	policy.MaxExecutionTime = cfg.Timeout
	policy.AllowFileSystemAccess = cfg.AllowFS || len(mounts) > 0
	policy.AllowNetworkAccess = cfg.AllowNet || len(cfg.AllowHosts) > 0
	policy.ForbiddenNamespaces = append(policy.ForbiddenNamespaces, cfg.Forbid...)

	opts := []engine.Option{
		engine.WithPolicy(policy),
		engine.WithLogger(logger),
		engine.WithParallelWorkers(cfg.Workers),
	}
	if len(mounts) > 0 {
		opts = append(opts, engine.WithMounts(mounts))
	}
	if len(cfg.AllowHosts) > 0 {
		opts = append(opts, engine.WithHTTP(hostfunc.HTTPConfig{AllowedHosts: cfg.AllowHosts}))
	}
	if cfg.Libraries != "" {
		opts = append(opts, engine.WithLibraryDir(cfg.Libraries))
	}
	return engine.New(opts...)
}

func parseMount(spec string) (hostfunc.Mount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount spec %q (expected virtual:host:mode)", spec)
	}

	var mode hostfunc.MountMode
	switch parts[2] {
	case "ro":
		mode = hostfunc.MountReadOnly
	case "rw":
		mode = hostfunc.MountReadWrite
	case "rwc":
		mode = hostfunc.MountReadWriteCreate
	default:
		return hostfunc.Mount{}, fmt.Errorf("invalid mount mode %q (expected ro, rw, or rwc)", parts[2])
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

// parseParams turns repeated key=value flags into typed parameters.
// Values that parse as bool, int or float are passed as such.
func parseParams(specs []string) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(specs))
	for _, spec := range specs {
		key, raw, ok := strings.Cut(spec, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", spec)
		}
		switch {
		case raw == "true" || raw == "false":
			params[key] = raw == "true"
		default:
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				params[key] = n
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				params[key] = f
			} else {
				params[key] = raw
			}
		}
	}
	return params, nil
}
