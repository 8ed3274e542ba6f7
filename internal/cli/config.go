// Package cli defines the tickscope command tree: serve, watch, and
// doctor, plus the layered configuration they share.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SourceConfig declares one capture source to start polling at boot.
type SourceConfig struct {
	Source         string `yaml:"source"`
	Filename       string `yaml:"filename,omitempty"`
	CaptureID      string `yaml:"capture_id,omitempty"`
	PollIntervalMs int64  `yaml:"poll_interval_ms,omitempty"`
}

// Config holds the runtime configuration for the tickscope server.
// It can be populated from CLI flags, config files, environment, or all
// three.
type Config struct {
	HTTPHost string `yaml:"http_host,omitempty"`
	HTTPPort int    `yaml:"http_port,omitempty"`

	// Frame cache sizing. The budget is shared across all captures.
	CacheBudgetMB int `yaml:"cache_budget_mb,omitempty"`
	CacheTailSize int `yaml:"cache_tail_size,omitempty"`

	// Sources to begin polling as soon as the server starts.
	Sources []SourceConfig `yaml:"sources,omitempty"`

	// DefaultsFile is where controller defaults are persisted.
	DefaultsFile string `yaml:"defaults_file,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format,omitempty"` // text or json

	Verbose bool `yaml:"verbose,omitempty"`
}

// DefaultConfig returns a Config with the built-in defaults: a 2 GiB cache
// budget, a 512-frame dense tail per capture, and localhost binding.
func DefaultConfig() *Config {
	return &Config{
		HTTPHost:      "127.0.0.1",
		HTTPPort:      4750,
		CacheBudgetMB: 2048,
		CacheTailSize: 512,
		DefaultsFile:  defaultsFilePath(),
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Addr returns the HTTP bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort)
}

// CacheBudgetBytes converts the configured budget to bytes.
func (c *Config) CacheBudgetBytes() int64 {
	return int64(c.CacheBudgetMB) << 20
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &config, nil
}

// FindProjectConfig searches for a .tickscope.yaml config file, starting in
// the current directory and walking up until a .git directory (project
// root) or the filesystem root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		configPath := filepath.Join(dir, ".tickscope.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// GlobalConfigPath returns ~/.config/tickscope/config.yaml.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tickscope", "config.yaml")
}

func defaultsFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tickscope-defaults.json"
	}
	return filepath.Join(home, ".config", "tickscope", "defaults.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields set in overlay override corresponding fields in base.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if overlay.CacheBudgetMB > 0 {
		merged.CacheBudgetMB = overlay.CacheBudgetMB
	}
	if overlay.CacheTailSize > 0 {
		merged.CacheTailSize = overlay.CacheTailSize
	}
	if len(overlay.Sources) > 0 {
		merged.Sources = overlay.Sources
	}
	if overlay.DefaultsFile != "" {
		merged.DefaultsFile = overlay.DefaultsFile
	}
	if overlay.LogLevel != "" {
		merged.LogLevel = overlay.LogLevel
	}
	if overlay.LogFormat != "" {
		merged.LogFormat = overlay.LogFormat
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}
	return &merged
}

// envOverlay reads TICKSCOPE_* environment variables into a Config. A .env
// file in the working directory is loaded first when present.
func envOverlay() *Config {
	_ = godotenv.Load()

	overlay := &Config{
		HTTPHost:  os.Getenv("TICKSCOPE_HTTP_HOST"),
		LogLevel:  os.Getenv("TICKSCOPE_LOG_LEVEL"),
		LogFormat: os.Getenv("TICKSCOPE_LOG_FORMAT"),
	}
	if v := os.Getenv("TICKSCOPE_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			overlay.HTTPPort = n
		}
	}
	if v := os.Getenv("TICKSCOPE_CACHE_BUDGET_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			overlay.CacheBudgetMB = n
		}
	}
	if v := os.Getenv("TICKSCOPE_CACHE_TAIL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			overlay.CacheTailSize = n
		}
	}
	if v := os.Getenv("TICKSCOPE_DEFAULTS_FILE"); v != "" {
		overlay.DefaultsFile = v
	}
	return overlay
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file, or the explicit file when configPath is set
// 4. Environment variables (TICKSCOPE_*)
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if globalPath := GlobalConfigPath(); globalPath != "" {
		if globalCfg, err := LoadConfigFromFile(globalPath); err == nil {
			config = MergeConfigs(config, globalCfg)
		}
		// The global config is optional; errors are ignored.
	}

	if configPath == "" {
		if projectPath, err := FindProjectConfig(); err == nil {
			projectCfg, err := LoadConfigFromFile(projectPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load project config: %w", err)
			}
			config = MergeConfigs(config, projectCfg)
		}
	} else {
		explicitCfg, err := LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = MergeConfigs(config, explicitCfg)
	}

	return MergeConfigs(config, envOverlay()), nil
}
