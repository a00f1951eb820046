// Package config loads packdock settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/packdock/internal/plugin/candidates"
	"github.com/jmylchreest/packdock/internal/plugin/probe"
)

// Environment variables consulted by Load and ApplyEnv.
const (
	EnvConfig       = "PACKDOCK_CONFIG"
	EnvAppPath      = "PACKDOCK_APP_PATH"
	EnvPluginDir    = "PACKDOCK_PLUGIN_DIR"
	EnvMaxPerFolder = "PACKDOCK_MAX_PER_FOLDER"
	EnvIsolation    = "PACKDOCK_ISOLATION"
)

// DefaultMaxPerFolder caps the candidates inspected in one plugin folder.
const DefaultMaxPerFolder = 32

// Isolation selects where modules are inspected.
type Isolation string

const (
	// IsolationNone inspects modules in the packdock process.
	IsolationNone Isolation = "none"
	// IsolationProcess inspects modules in a worker process.
	IsolationProcess Isolation = "process"
)

// Config holds packdock settings.
type Config struct {
	// AppPath is the host application's executable.
	AppPath string `yaml:"app_path"`
	// PluginDir overrides the plugin root derived from AppPath.
	PluginDir    string       `yaml:"plugin_dir"`
	MaxPerFolder int          `yaml:"max_per_folder"`
	Exclusions   []string     `yaml:"exclusions"`
	Probe        probe.Config `yaml:"probe"`
	Isolation    Isolation    `yaml:"isolation"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		MaxPerFolder: DefaultMaxPerFolder,
		Exclusions:   append([]string(nil), candidates.DefaultExclusions...),
		Probe:        probe.DefaultConfig(),
		Isolation:    IsolationNone,
	}
}

// Path returns the config file to read: explicit if set, then
// $PACKDOCK_CONFIG, then packdock/config.yaml under the user config
// directory. named reports whether the file was chosen by the caller or the
// environment rather than by default.
func Path(explicit string) (path string, named bool, err error) {
	if explicit != "" {
		return expandPath(explicit), true, nil
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return expandPath(p), true, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", false, fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "packdock", "config.yaml"), false, nil
}

// Load reads the config file chosen by Path over the defaults. A missing
// default file is not an error.
func Load(explicit string) (Config, error) {
	cfg := Default()
	path, named, err := Path(explicit)
	if err != nil {
		if explicit == "" {
			return cfg, nil
		}
		return cfg, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - user-specified config file
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !named {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg.Validate()
}

// ApplyEnv overrides cfg from environment variables read through lookup
// (os.LookupEnv in production).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAppPath); ok && v != "" {
		cfg.AppPath = expandPath(v)
	}
	if v, ok := lookup(EnvPluginDir); ok && v != "" {
		cfg.PluginDir = expandPath(v)
	}
	if v, ok := lookup(EnvMaxPerFolder); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxPerFolder, err)
		}
		cfg.MaxPerFolder = n
	}
	if v, ok := lookup(EnvIsolation); ok && v != "" {
		cfg.Isolation = Isolation(strings.ToLower(strings.TrimSpace(v)))
	}
	return cfg.Validate()
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.Isolation {
	case IsolationNone, IsolationProcess, "":
	default:
		return fmt.Errorf("unknown isolation %q (want %q or %q)", c.Isolation, IsolationNone, IsolationProcess)
	}
	if c.MaxPerFolder < 0 {
		return fmt.Errorf("max_per_folder must not be negative, got %d", c.MaxPerFolder)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	def := probe.DefaultConfig()
	if cfg.Probe.InterfaceName == "" {
		cfg.Probe.InterfaceName = def.InterfaceName
	}
	if cfg.Probe.NamespacePrefix == "" {
		cfg.Probe.NamespacePrefix = def.NamespacePrefix
	}
	if cfg.Probe.DetailsAttribute == "" {
		cfg.Probe.DetailsAttribute = def.DetailsAttribute
	}
	if cfg.Probe.AuthorField == "" {
		cfg.Probe.AuthorField = def.AuthorField
	}
	if cfg.Isolation == "" {
		cfg.Isolation = IsolationNone
	}
	cfg.AppPath = expandPath(cfg.AppPath)
	cfg.PluginDir = expandPath(cfg.PluginDir)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
