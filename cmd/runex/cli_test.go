package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mkarlsen/runex/hostfunc"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"runex",
		"security policy",
		"run",
		"repl",
		"serve",
		"--security",
		"--mount",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--code",
		"--entry",
		"--param",
		"--compile-only",
		"--parallel",
		"--stats",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestParseMount(t *testing.T) {
	tests := []struct {
		spec    string
		want    hostfunc.Mount
		wantErr bool
	}{
		{
			spec: "/data:/tmp/host:ro",
			want: hostfunc.Mount{VirtualPath: "/data", HostPath: "/tmp/host", Mode: hostfunc.MountReadOnly},
		},
		{
			spec: "/data:/tmp/host:rw",
			want: hostfunc.Mount{VirtualPath: "/data", HostPath: "/tmp/host", Mode: hostfunc.MountReadWrite},
		},
		{
			spec: "/data:/tmp/host:rwc",
			want: hostfunc.Mount{VirtualPath: "/data", HostPath: "/tmp/host", Mode: hostfunc.MountReadWriteCreate},
		},
		{spec: "/data:/tmp/host", wantErr: true},
		{spec: "/data:/tmp/host:banana", wantErr: true},
		{spec: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseMount(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseMount(%q) expected error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseMount(%q) unexpected error: %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMount(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"name=runex",
		"count=3",
		"ratio=0.5",
		"flag=true",
		"label=2026-08-30",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if params["name"] != "runex" {
		t.Errorf("name = %v, want string runex", params["name"])
	}
	if params["count"] != int64(3) {
		t.Errorf("count = %v (%T), want int64 3", params["count"], params["count"])
	}
	if params["ratio"] != 0.5 {
		t.Errorf("ratio = %v, want 0.5", params["ratio"])
	}
	if params["flag"] != true {
		t.Errorf("flag = %v, want true", params["flag"])
	}
	if params["label"] != "2026-08-30" {
		t.Errorf("label = %v, want string", params["label"])
	}
}

func TestParseParamsRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"noequals", "=value"} {
		if _, err := parseParams([]string{spec}); err == nil {
			t.Errorf("parseParams(%q) expected error", spec)
		}
	}
}

func TestParseParamsEmpty(t *testing.T) {
	params, err := parseParams(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params != nil {
		t.Errorf("expected nil params, got %v", params)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Security != "restricted" {
		t.Errorf("security = %q, want restricted", cfg.Security)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want warn", cfg.LogLevel)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Workers)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runex.yaml")
	content := `security: full
timeout: 5s
workers: 2
forbid:
  - os
  - subprocess
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Security != "full" {
		t.Errorf("security = %q, want full", cfg.Security)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", cfg.Timeout)
	}
	if cfg.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Workers)
	}
	if len(cfg.Forbid) != 2 || cfg.Forbid[0] != "os" {
		t.Errorf("forbid = %v, want [os subprocess]", cfg.Forbid)
	}
	// Unset keys keep their defaults.
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want default warn", cfg.LogLevel)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runex.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RUNEX_LOG_LEVEL", "debug")

	cfg, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want env override debug", cfg.LogLevel)
	}
}

func TestLoadConfigFlagsWinOverEverything(t *testing.T) {
	t.Setenv("RUNEX_SECURITY", "full")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("security", "restricted", "")
	if err := flags.Set("security", "disabled"); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig("", flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Security != "disabled" {
		t.Errorf("security = %q, want flag override disabled", cfg.Security)
	}
}

func TestLoadConfigUnchangedFlagIgnored(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "error", "")

	cfg, err := loadConfig("", flags)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The flag default must not shadow the config default because the
	// user never set it.
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q, want warn", cfg.LogLevel)
	}
}

func TestFindConfigFileExplicitWins(t *testing.T) {
	if got := findConfigFile("/etc/custom.yaml"); got != "/etc/custom.yaml" {
		t.Errorf("findConfigFile = %q, want explicit path", got)
	}
}

func TestBuildEngineRejectsBadLevel(t *testing.T) {
	cfg := &appConfig{Security: "ultra", Timeout: time.Second, Workers: 1}
	if _, err := buildEngine(cfg, testLogger()); err == nil {
		t.Error("expected error for unknown security level")
	}
}

func TestBuildEngineRejectsBadMount(t *testing.T) {
	cfg := &appConfig{Security: "restricted", Timeout: time.Second, Workers: 1,
		Mounts: []string{"broken"}}
	if _, err := buildEngine(cfg, testLogger()); err == nil {
		t.Error("expected error for malformed mount spec")
	}
}
