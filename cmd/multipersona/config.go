package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deniskropp/t170/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify multipersona configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/multipersona/config.yaml
Project-specific overrides can be placed in .multipersona.yaml`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values in key order.
func displayAllConfig(cfg *config.Config) {
	settings := cfg.Settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s\n", k, formatSetting(settings[k]))
	}
	if src := config.GetAPIKeySource(cfg); src != config.KeySourceNone {
		fmt.Printf("# completion credentials from %s\n", src)
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	if strings.EqualFold(key, "anthropic.api_key") {
		value = config.MaskAPIKey(value)
	}
	fmt.Printf("Set %s = %s\n", key, value)
}

func formatSetting(v any) string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "(not set)"
		}
		return x
	case []string:
		if len(x) == 0 {
			return "(none)"
		}
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	v, ok := cfg.Settings()[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return formatSetting(v), nil
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	key = strings.ToLower(key)
	switch key {
	case "store.path":
		cfg.Store.Path = value
	case "store.driver":
		cfg.Store.Driver = value
	case "dispatcher.interval":
		return parseDurationInto(&cfg.Dispatcher.Interval, key, value)
	case "dispatcher.high_priority_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Dispatcher.HighPriorityThreshold = n
	case "dispatcher.cleanup_ephemeral":
		return parseBoolInto(&cfg.Dispatcher.CleanupEphemeral, key, value)
	case "dispatcher.channel":
		cfg.Dispatcher.Channel = value
	case "dispatcher.queue_capacity":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Dispatcher.QueueCapacity = n
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.base_url":
		cfg.Anthropic.BaseURL = value
	case "anthropic.bedrock":
		return parseBoolInto(&cfg.Anthropic.UseBedrock, key, value)
	case "anthropic.region":
		cfg.Anthropic.Region = value
	case "anthropic.profile":
		cfg.Anthropic.Profile = value
	case "anthropic.temperature":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Anthropic.Temperature = f
	case "anthropic.timeout":
		return parseDurationInto(&cfg.Anthropic.Timeout, key, value)
	case "anthropic.max_tokens":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Anthropic.MaxTokens = n
	case "ethics.keywords":
		cfg.Ethics.Keywords = splitList(value)
	case "ethics.policy_file":
		cfg.Ethics.PolicyFile = value
	case "ethics.watch":
		return parseBoolInto(&cfg.Ethics.Watch, key, value)
	case "roles.catalog_file":
		cfg.Roles.CatalogFile = value
	case "telemetry.enabled":
		return parseBoolInto(&cfg.Telemetry.Enabled, key, value)
	case "telemetry.exporter":
		cfg.Telemetry.Exporter = value
	case "telemetry.interval":
		return parseDurationInto(&cfg.Telemetry.Interval, key, value)
	case "log.debug_file":
		cfg.Log.DebugFile = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func parseDurationInto(dst *time.Duration, key, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseBoolInto(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	*dst = b
	return nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
