// Package config handles configuration loading and management for multipersona.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/deniskropp/t170/internal/orchestrator/policy"
	"github.com/deniskropp/t170/internal/roles"
)

// ProjectConfigName is the file searched for in the working directory and its parents.
const ProjectConfigName = ".multipersona.yaml"

// Config holds all configuration for multipersona.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Ethics     EthicsConfig     `mapstructure:"ethics"`
	Roles      RolesConfig      `mapstructure:"roles"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

// StoreConfig selects the database file and SQL driver.
type StoreConfig struct {
	// Path is the SQLite file. Empty means the XDG data directory.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// DispatcherConfig holds dispatch loop settings.
type DispatcherConfig struct {
	Interval              time.Duration `mapstructure:"interval"`
	HighPriorityThreshold int           `mapstructure:"high_priority_threshold"`
	CleanupEphemeral      bool          `mapstructure:"cleanup_ephemeral"`
	Channel               string        `mapstructure:"channel"`
	// QueueCapacity bounds each message bus queue. Zero is unbounded.
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// AnthropicConfig holds completion service settings.
type AnthropicConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	UseBedrock  bool          `mapstructure:"bedrock"`
	Region      string        `mapstructure:"region"`
	Profile     string        `mapstructure:"profile"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int64         `mapstructure:"max_tokens"`
}

// EthicsConfig holds ethical review settings.
type EthicsConfig struct {
	// Keywords extends the default denylist.
	Keywords []string `mapstructure:"keywords"`
	// PolicyFile is an optional YAML policy loaded at startup.
	PolicyFile string `mapstructure:"policy_file"`
	// Watch reloads PolicyFile when it changes.
	Watch bool `mapstructure:"watch"`
}

// RolesConfig holds role catalog settings.
type RolesConfig struct {
	// CatalogFile overlays the built-in catalog.
	CatalogFile string `mapstructure:"catalog_file"`
	// Extra adds roles directly from config.
	Extra []roles.RoleSpec `mapstructure:"extra"`
}

// TelemetryConfig holds OpenTelemetry metric settings.
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Exporter string        `mapstructure:"exporter"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// DebugFile enables the verbose dispatch log when set.
	DebugFile string `mapstructure:"debug_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, MULTIPERSONA_*)
// 2. Project config (.multipersona.yaml in current directory or parent)
// 3. User config (~/.config/multipersona/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MULTIPERSONA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("anthropic.api_key", "MULTIPERSONA_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("anthropic.base_url", "MULTIPERSONA_ANTHROPIC_BASE_URL", "ANTHROPIC_BASE_URL")
	v.BindEnv("anthropic.region", "MULTIPERSONA_ANTHROPIC_REGION", "AWS_REGION")
	v.BindEnv("anthropic.profile", "MULTIPERSONA_ANTHROPIC_PROFILE", "AWS_PROFILE")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Ethics.PolicyFile = expandEnv(cfg.Ethics.PolicyFile)
	cfg.Roles.CatalogFile = expandEnv(cfg.Roles.CatalogFile)
	cfg.Log.DebugFile = expandEnv(cfg.Log.DebugFile)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that cannot be used.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}
	switch c.Telemetry.Exporter {
	case "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter must be stdout or none, got %q", c.Telemetry.Exporter)
	}
	if c.Dispatcher.HighPriorityThreshold < 0 {
		return fmt.Errorf("dispatcher.high_priority_threshold must not be negative")
	}
	if c.Dispatcher.QueueCapacity < 0 {
		return fmt.Errorf("dispatcher.queue_capacity must not be negative")
	}
	if c.Anthropic.Temperature < 0 || c.Anthropic.Temperature > 1 {
		return fmt.Errorf("anthropic.temperature must be between 0 and 1, got %v", c.Anthropic.Temperature)
	}
	return nil
}

// Policy converts the dispatcher settings into a policy.Config.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Dispatch.HighPriorityThreshold = c.Dispatcher.HighPriorityThreshold
	if c.Dispatcher.Channel != "" {
		p.Dispatch.Channel = c.Dispatcher.Channel
	}
	p.Loop.Interval = c.Dispatcher.Interval
	p.Loop.CleanupEphemeral = c.Dispatcher.CleanupEphemeral
	p.Bus.QueueCapacity = c.Dispatcher.QueueCapacity
	if c.Anthropic.Model != "" {
		p.Synthesis.Model = c.Anthropic.Model
	}
	p.Synthesis.MaxTokens = c.Anthropic.MaxTokens
	p.Synthesis.Timeout = c.Anthropic.Timeout
	p.Synthesis.Temperature = c.Anthropic.Temperature
	return p.Normalized()
}

// Catalog builds the role catalog from the built-in table, the optional
// catalog file and any extra roles.
func (c *Config) Catalog() (*roles.Catalog, error) {
	catalog := roles.DefaultCatalog()
	if c.Roles.CatalogFile != "" {
		loaded, err := roles.LoadCatalog(c.Roles.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	if len(c.Roles.Extra) > 0 {
		return catalog.WithRoles(c.Roles.Extra)
	}
	return catalog, nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	return v.WriteConfig()
}

// Settings returns the configuration as flat dotted keys, with the API key masked.
func (c *Config) Settings() map[string]any {
	s := c.settings()
	s["anthropic.api_key"] = MaskAPIKey(c.Anthropic.APIKey)
	return s
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"store.path":                         c.Store.Path,
		"store.driver":                       c.Store.Driver,
		"dispatcher.interval":                c.Dispatcher.Interval.String(),
		"dispatcher.high_priority_threshold": c.Dispatcher.HighPriorityThreshold,
		"dispatcher.cleanup_ephemeral":       c.Dispatcher.CleanupEphemeral,
		"dispatcher.channel":                 c.Dispatcher.Channel,
		"dispatcher.queue_capacity":          c.Dispatcher.QueueCapacity,
		"anthropic.api_key":                  c.Anthropic.APIKey,
		"anthropic.model":                    c.Anthropic.Model,
		"anthropic.base_url":                 c.Anthropic.BaseURL,
		"anthropic.bedrock":                  c.Anthropic.UseBedrock,
		"anthropic.region":                   c.Anthropic.Region,
		"anthropic.profile":                  c.Anthropic.Profile,
		"anthropic.temperature":              c.Anthropic.Temperature,
		"anthropic.timeout":                  c.Anthropic.Timeout.String(),
		"anthropic.max_tokens":               c.Anthropic.MaxTokens,
		"ethics.keywords":                    c.Ethics.Keywords,
		"ethics.policy_file":                 c.Ethics.PolicyFile,
		"ethics.watch":                       c.Ethics.Watch,
		"roles.catalog_file":                 c.Roles.CatalogFile,
		"telemetry.enabled":                  c.Telemetry.Enabled,
		"telemetry.exporter":                 c.Telemetry.Exporter,
		"telemetry.interval":                 c.Telemetry.Interval.String(),
		"log.debug_file":                     c.Log.DebugFile,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "")
	v.SetDefault("store.driver", "sqlite")

	v.SetDefault("dispatcher.interval", "5s")
	v.SetDefault("dispatcher.high_priority_threshold", 4)
	v.SetDefault("dispatcher.cleanup_ephemeral", true)
	v.SetDefault("dispatcher.channel", "task-dispatch")
	v.SetDefault("dispatcher.queue_capacity", 1000)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.region", "")
	v.SetDefault("anthropic.profile", "")
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("anthropic.timeout", "30s")
	v.SetDefault("anthropic.max_tokens", 2048)

	v.SetDefault("ethics.keywords", []string{})
	v.SetDefault("ethics.policy_file", "")
	v.SetDefault("ethics.watch", false)

	v.SetDefault("roles.catalog_file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.interval", "1m")

	v.SetDefault("log.debug_file", "")
}

// getUserConfigDir returns the XDG config directory for multipersona.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "multipersona")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "multipersona")
	}
	return filepath.Join(home, ".config", "multipersona")
}

// findProjectConfig searches for .multipersona.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Dispatcher: DispatcherConfig{
			Interval:              5 * time.Second,
			HighPriorityThreshold: 4,
			CleanupEphemeral:      true,
			Channel:               "task-dispatch",
			QueueCapacity:         1000,
		},
		Anthropic: AnthropicConfig{
			Temperature: 0.7,
			Timeout:     30 * time.Second,
			MaxTokens:   2048,
		},
		Telemetry: TelemetryConfig{
			Exporter: "stdout",
			Interval: time.Minute,
		},
	}
}
