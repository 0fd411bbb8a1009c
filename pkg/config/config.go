package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// FileName is the optional config file looked up in the working directory
const FileName = "aspect-graph.toml"

// EnvPrefix prefixes environment overrides (e.g., ASPECT_GRAPH_BATCH_SIZE=50)
const EnvPrefix = "ASPECT_GRAPH_"

// Config holds all configuration for the extractor and its driver
type Config struct {
	Workspace      string        `koanf:"workspace"`
	Bazel          string        `koanf:"bazel"`
	StartupOptions []string      `koanf:"startup_options"`
	BuildOptions   []string      `koanf:"build_options"`
	Aspect         string        `koanf:"aspect"`
	OutputGroup    string        `koanf:"output_group"`
	ArtifactSuffix string        `koanf:"artifact_suffix"`
	BatchSize      int           `koanf:"batch_size"`
	Workers        int           `koanf:"workers"`
	Timeout        time.Duration `koanf:"timeout"`
	Format         string        `koanf:"format"`
	Port           int           `koanf:"port"`
	Verbosity      string        `koanf:"verbosity"`
	VerboseCnt     int           `koanf:"verbose"`
	JSONLogs       bool          `koanf:"json_logs"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"workspace":       ".",
		"bazel":           "bazel",
		"startup_options": []string{},
		"build_options":   []string{},
		"aspect":          "@tulsi//:tulsi/tulsi_aspects.bzl%tulsi_sources_aspect",
		"output_group":    "tulsi-info",
		"artifact_suffix": ".tulsiinfo",
		"batch_size":      0,
		"workers":         0,
		"timeout":         "30m",
		"format":          "text",
		"port":            8080,
		"verbosity":       "",
		"verbose":         0,
		"json_logs":       false,
	}
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
func Load(f *pflag.FlagSet) (*Config, error) {
	return LoadFile(FileName, f)
}

// LoadFile is Load with an explicit config file path. A missing file is not
// an error; a file that exists but does not parse is.
func LoadFile(path string, f *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File (optional)
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	// 3. Environment Variables
	// ASPECT_GRAPH_BATCH_SIZE=50 -> batch_size
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, flagKey(f)), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks value ranges that the decoder cannot express.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.Bazel == "" {
		return fmt.Errorf("bazel binary must not be empty")
	}
	if c.Aspect == "" {
		return fmt.Errorf("aspect must not be empty")
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size must be >= 0, got %d", c.BatchSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %s", c.Timeout)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown format %q (want text or json)", c.Format)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	return nil
}

// flagKey maps kebab-case flag names onto config keys. Flags that were not
// set on the command line only contribute when the key has no value yet.
func flagKey(flags *pflag.FlagSet) func(*pflag.Flag) (string, interface{}) {
	return func(f *pflag.Flag) (string, interface{}) {
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Helper to use map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: m}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
