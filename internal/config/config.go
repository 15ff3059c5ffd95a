package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Decode    DecodeConfig    `mapstructure:"decode"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Bus       BusConfig       `mapstructure:"bus"`
	Journal   JournalConfig   `mapstructure:"journal"`
	LogLevel  string          `mapstructure:"log_level"`
}

type PathsConfig struct {
	// BundleConfig points at the exported model's config.yaml.
	BundleConfig string `mapstructure:"bundle_config"`
}

type RuntimeConfig struct {
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	ORTAPIVersion  uint32 `mapstructure:"ort_api_version"`
	UseQuantized   bool   `mapstructure:"use_quantized"`
}

// DecodeConfig overrides the bundle's decoder settings. Zero values keep
// the bundle value.
type DecodeConfig struct {
	Threshold   float64 `mapstructure:"threshold"`
	MaxLenRatio float64 `mapstructure:"maxlenratio"`
	MinLenRatio float64 `mapstructure:"minlenratio"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxTextBytes    int    `mapstructure:"max_text_bytes"`
	MaxTokenIDs     int    `mapstructure:"max_token_ids"`
	MaxBodyBytes    int64  `mapstructure:"max_body_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type CacheConfig struct {
	// Mode is one of off, memory or badger.
	Mode string `mapstructure:"mode"`
	Dir  string `mapstructure:"dir"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	TraceStdout  bool   `mapstructure:"trace_stdout"`
}

type BusConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Servers        []string `mapstructure:"servers"`
	Subject        string   `mapstructure:"subject"`
	Queue          string   `mapstructure:"queue"`
	ConnectTimeout int      `mapstructure:"connect_timeout"`
	// Workers bounds concurrent syntheses served from the bus. Zero
	// leaves it unbounded.
	Workers int `mapstructure:"workers"`
	// Embedded runs an in-process NATS server on Host:Port and connects
	// to it instead of Servers.
	Embedded bool   `mapstructure:"embedded"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
}

// JournalConfig controls the SQLite synthesis journal. An empty Path
// disables it.
type JournalConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

const (
	CacheOff    = "off"
	CacheMemory = "memory"
	CacheBadger = "badger"
)

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			BundleConfig: "models/tacotron2/config.yaml",
		},
		Runtime: RuntimeConfig{
			ORTAPIVersion: 23,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			MaxTextBytes:    4096,
			MaxTokenIDs:     1024,
			MaxBodyBytes:    1 << 20,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
		},
		Cache: CacheConfig{
			Mode: CacheMemory,
			Dir:  "cache/results",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tacotron",
			Environment: "dev",
		},
		Bus: BusConfig{
			Servers:        []string{"nats://127.0.0.1:4222"},
			Subject:        "tacotron.synthesize",
			Queue:          "tacotron",
			ConnectTimeout: 2000,
			Workers:        2,
			Host:           "127.0.0.1",
			Port:           4222,
		},
		Journal: JournalConfig{
			RetentionDays: 7,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-bundle-config", defaults.Paths.BundleConfig, "Path to the exported model config.yaml")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Uint32("runtime-ort-api-version", defaults.Runtime.ORTAPIVersion, "ONNX Runtime C API version requested by the purego binding")
	fs.Bool("runtime-use-quantized", defaults.Runtime.UseQuantized, "Load quantized graphs from the bundle")
	fs.Float64("decode-threshold", defaults.Decode.Threshold, "Stop probability threshold (0 keeps the bundle value)")
	fs.Float64("decode-maxlenratio", defaults.Decode.MaxLenRatio, "Maximum output length ratio (0 keeps the bundle value)")
	fs.Float64("decode-minlenratio", defaults.Decode.MinLenRatio, "Minimum output length ratio (0 keeps the bundle value)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent synthesis calls")
	fs.Int("server-max-text-bytes", defaults.Server.MaxTextBytes, "Max request text size in bytes")
	fs.Int("server-max-token-ids", defaults.Server.MaxTokenIDs, "Max token_ids per request (0 disables the limit)")
	fs.Int64("server-max-body-bytes", defaults.Server.MaxBodyBytes, "Max request body size in bytes (0 disables the limit)")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request synthesis timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.String("cache-mode", defaults.Cache.Mode, "Result cache mode (off|memory|badger)")
	fs.String("cache-dir", defaults.Cache.Dir, "Directory for the badger result cache")
	fs.String("telemetry-otlp-endpoint", defaults.Telemetry.OTLPEndpoint, "OTLP gRPC endpoint for traces")
	fs.Bool("telemetry-trace-stdout", defaults.Telemetry.TraceStdout, "Export traces to stdout when no OTLP endpoint is set")
	fs.Bool("bus-enabled", defaults.Bus.Enabled, "Serve synthesis requests over NATS")
	fs.StringSlice("bus-servers", defaults.Bus.Servers, "NATS server URLs")
	fs.String("bus-subject", defaults.Bus.Subject, "NATS request subject")
	fs.Int("bus-workers", defaults.Bus.Workers, "Max concurrent synthesis calls served over NATS")
	fs.Bool("bus-embedded", defaults.Bus.Embedded, "Run an in-process NATS server for the bus")
	fs.Int("bus-port", defaults.Bus.Port, "Port of the embedded NATS server")
	fs.String("journal-path", defaults.Journal.Path, "SQLite synthesis journal path (empty disables it)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("TACOTRON")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)

	if err := v.BindEnv("runtime.ort_library_path", "TACOTRON_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tacotron")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects settings that cannot be acted on.
func (c Config) Validate() error {
	switch strings.ToLower(c.Cache.Mode) {
	case CacheOff, CacheMemory, "":
	case CacheBadger:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return errors.New("cache.dir is required when cache.mode is badger")
		}
	default:
		return fmt.Errorf("invalid cache mode %q (expected %s|%s|%s)", c.Cache.Mode, CacheOff, CacheMemory, CacheBadger)
	}

	if c.Decode.Threshold < 0 || c.Decode.MaxLenRatio < 0 || c.Decode.MinLenRatio < 0 {
		return errors.New("decode overrides must not be negative")
	}

	if c.Server.MaxTokenIDs < 0 || c.Server.MaxBodyBytes < 0 {
		return errors.New("server limits must not be negative")
	}

	if c.Bus.Workers < 0 {
		return errors.New("bus.workers must not be negative")
	}

	if c.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must not be negative")
	}

	if c.Bus.Enabled && !c.Bus.Embedded && len(c.Bus.Servers) == 0 {
		return errors.New("bus.servers is required when bus.enabled is set")
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.bundle_config", c.Paths.BundleConfig)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.ort_api_version", c.Runtime.ORTAPIVersion)
	v.SetDefault("runtime.use_quantized", c.Runtime.UseQuantized)
	v.SetDefault("decode.threshold", c.Decode.Threshold)
	v.SetDefault("decode.maxlenratio", c.Decode.MaxLenRatio)
	v.SetDefault("decode.minlenratio", c.Decode.MinLenRatio)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.max_token_ids", c.Server.MaxTokenIDs)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("cache.mode", c.Cache.Mode)
	v.SetDefault("cache.dir", c.Cache.Dir)
	v.SetDefault("telemetry.service_name", c.Telemetry.ServiceName)
	v.SetDefault("telemetry.environment", c.Telemetry.Environment)
	v.SetDefault("telemetry.otlp_endpoint", c.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", c.Telemetry.OTLPInsecure)
	v.SetDefault("telemetry.trace_stdout", c.Telemetry.TraceStdout)
	v.SetDefault("bus.enabled", c.Bus.Enabled)
	v.SetDefault("bus.servers", c.Bus.Servers)
	v.SetDefault("bus.subject", c.Bus.Subject)
	v.SetDefault("bus.queue", c.Bus.Queue)
	v.SetDefault("bus.connect_timeout", c.Bus.ConnectTimeout)
	v.SetDefault("bus.workers", c.Bus.Workers)
	v.SetDefault("bus.embedded", c.Bus.Embedded)
	v.SetDefault("bus.host", c.Bus.Host)
	v.SetDefault("bus.port", c.Bus.Port)
	v.SetDefault("journal.path", c.Journal.Path)
	v.SetDefault("journal.retention_days", c.Journal.RetentionDays)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps each registered flag to the nested config key it sets.
var flagKeys = []struct{ flag, key string }{
	{"paths-bundle-config", "paths.bundle_config"},
	{"runtime-ort-library-path", "runtime.ort_library_path"},
	{"ort-lib", "runtime.ort_library_path"},
	{"runtime-ort-version", "runtime.ort_version"},
	{"runtime-ort-api-version", "runtime.ort_api_version"},
	{"runtime-use-quantized", "runtime.use_quantized"},
	{"decode-threshold", "decode.threshold"},
	{"decode-maxlenratio", "decode.maxlenratio"},
	{"decode-minlenratio", "decode.minlenratio"},
	{"server-listen-addr", "server.listen_addr"},
	{"server-workers", "server.workers"},
	{"server-max-text-bytes", "server.max_text_bytes"},
	{"server-max-token-ids", "server.max_token_ids"},
	{"server-max-body-bytes", "server.max_body_bytes"},
	{"server-request-timeout", "server.request_timeout"},
	{"server-shutdown-timeout", "server.shutdown_timeout"},
	{"cache-mode", "cache.mode"},
	{"cache-dir", "cache.dir"},
	{"telemetry-otlp-endpoint", "telemetry.otlp_endpoint"},
	{"telemetry-trace-stdout", "telemetry.trace_stdout"},
	{"bus-enabled", "bus.enabled"},
	{"bus-workers", "bus.workers"},
	{"bus-servers", "bus.servers"},
	{"bus-subject", "bus.subject"},
	{"bus-embedded", "bus.embedded"},
	{"bus-port", "bus.port"},
	{"journal-path", "journal.path"},
	{"log-level", "log_level"},
}

// bindFlags binds flags to nested keys so config file values still apply
// when a flag is left at its default. When two flags target one key, the
// one that was set on the command line wins.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bound := make(map[string]bool, len(flagKeys))
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}

		if bound[fk.key] && !f.Changed {
			continue
		}

		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", fk.flag, err)
		}

		bound[fk.key] = bound[fk.key] || f.Changed
	}

	return nil
}
