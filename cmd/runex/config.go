package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// appConfig is the merged CLI configuration.
// Precedence (highest to lowest): flags > env vars > config file > defaults.
type appConfig struct {
	Security   string        `koanf:"security"`
	LogLevel   string        `koanf:"log_level"`
	Timeout    time.Duration `koanf:"timeout"`
	AllowFS    bool          `koanf:"allow_fs"`
	AllowNet   bool          `koanf:"allow_net"`
	AllowHosts []string      `koanf:"allow_host"`
	Mounts     []string      `koanf:"mount"`
	Forbid     []string      `koanf:"forbid"`
	Workers    int           `koanf:"workers"`
	Libraries  string        `koanf:"libraries"`
	Port       int           `koanf:"port"`
}

// findConfigFile finds the config file to use.
// Priority: explicit path > runex.yaml > runex.yml
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range []string{"runex.yaml", "runex.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func loadConfig(cfgFile string, flags *pflag.FlagSet) (*appConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"security":  "restricted",
		"log_level": "warn",
		"timeout":   "30s",
		"workers":   8,
		"port":      8080,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(cfgFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	// RUNEX_LOG_LEVEL -> log_level
	if err := k.Load(env.Provider("RUNEX_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "RUNEX_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg appConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
