package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}

	return &fakeBinder{fs: fs}
}

// chdirTemp moves into an empty directory so no stray tacotron.yaml is read.
func chdirTemp(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.BundleConfig != "models/tacotron2/config.yaml" {
		t.Errorf("BundleConfig = %q", cfg.Paths.BundleConfig)
	}

	if cfg.Runtime.ORTAPIVersion != 23 {
		t.Errorf("ORTAPIVersion = %d; want 23", cfg.Runtime.ORTAPIVersion)
	}

	if cfg.Server.Workers != 2 {
		t.Errorf("Server.Workers = %d; want 2", cfg.Server.Workers)
	}

	if cfg.Cache.Mode != CacheMemory {
		t.Errorf("Cache.Mode = %q; want %q", cfg.Cache.Mode, CacheMemory)
	}

	if cfg.Bus.Enabled {
		t.Error("Bus.Enabled = true; want false")
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want info", cfg.LogLevel)
	}
}

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	for _, fk := range flagKeys {
		if fs.Lookup(fk.flag) == nil {
			t.Errorf("flag %q not registered", fk.flag)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.BundleConfig != defaults.Paths.BundleConfig {
		t.Errorf("BundleConfig = %q; want %q", cfg.Paths.BundleConfig, defaults.Paths.BundleConfig)
	}

	if cfg.Bus.Subject != defaults.Bus.Subject {
		t.Errorf("Bus.Subject = %q; want %q", cfg.Bus.Subject, defaults.Bus.Subject)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	chdirTemp(t)

	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults,
		"--server-workers=8",
		"--log-level=debug",
		"--decode-threshold=0.7",
		"--runtime-use-quantized",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Workers != 8 {
		t.Errorf("Server.Workers = %d; want 8", cfg.Server.Workers)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want debug", cfg.LogLevel)
	}

	if cfg.Decode.Threshold != 0.7 {
		t.Errorf("Decode.Threshold = %v; want 0.7", cfg.Decode.Threshold)
	}

	if !cfg.Runtime.UseQuantized {
		t.Error("Runtime.UseQuantized = false; want true")
	}
}

func TestLoad_ORTLibAlias(t *testing.T) {
	chdirTemp(t)

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, defaults, "--ort-lib=/opt/ort/libonnxruntime.so"),
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("TACOTRON_LOG_LEVEL", "warn")
	t.Setenv("TACOTRON_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("ORT_LIBRARY_PATH", "/env/libonnxruntime.so")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want warn", cfg.LogLevel)
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want :9999", cfg.Server.ListenAddr)
	}

	if cfg.Runtime.ORTLibraryPath != "/env/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_ConfigFileAppliesUnderUnsetFlags(t *testing.T) {
	chdirTemp(t)

	cfgFile := filepath.Join(t.TempDir(), "tacotron.yaml")
	content := `
log_level: error
server:
  workers: 16
  listen_addr: ":7777"
cache:
  mode: badger
  dir: /var/cache/tacotron
decode:
  maxlenratio: 5.0
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(t, defaults, "--server-workers=3", "--bus-workers=5"),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want error", cfg.LogLevel)
	}

	if cfg.Server.Workers != 3 {
		t.Errorf("Server.Workers = %d; want flag value 3", cfg.Server.Workers)
	}

	if cfg.Bus.Workers != 5 {
		t.Errorf("Bus.Workers = %d; want flag value 5", cfg.Bus.Workers)
	}

	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("Server.ListenAddr = %q; want :7777", cfg.Server.ListenAddr)
	}

	if cfg.Cache.Mode != CacheBadger || cfg.Cache.Dir != "/var/cache/tacotron" {
		t.Errorf("Cache = %+v", cfg.Cache)
	}

	if cfg.Decode.MaxLenRatio != 5.0 {
		t.Errorf("Decode.MaxLenRatio = %v; want 5", cfg.Decode.MaxLenRatio)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgFile, []byte("server: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()})
	if err == nil {
		t.Fatal("expected error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/tacotron.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "cache off", mutate: func(c *Config) { c.Cache.Mode = CacheOff }},
		{name: "unknown cache mode", mutate: func(c *Config) { c.Cache.Mode = "redis" }, wantErr: true},
		{name: "badger without dir", mutate: func(c *Config) { c.Cache.Mode = CacheBadger; c.Cache.Dir = " " }, wantErr: true},
		{name: "negative ratio", mutate: func(c *Config) { c.Decode.MinLenRatio = -1 }, wantErr: true},
		{name: "bus without servers", mutate: func(c *Config) { c.Bus.Enabled = true; c.Bus.Servers = nil }, wantErr: true},
		{name: "negative token limit", mutate: func(c *Config) { c.Server.MaxTokenIDs = -1 }, wantErr: true},
		{name: "negative bus workers", mutate: func(c *Config) { c.Bus.Workers = -1 }, wantErr: true},
		{name: "negative journal retention", mutate: func(c *Config) { c.Journal.RetentionDays = -1 }, wantErr: true},
		{name: "embedded bus without servers", mutate: func(c *Config) { c.Bus.Enabled = true; c.Bus.Embedded = true; c.Bus.Servers = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
