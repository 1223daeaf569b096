package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deniskropp/t170/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "AWS_REGION", "AWS_PROFILE"} {
		t.Setenv(k, "")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected driver 'sqlite', got %q", cfg.Store.Driver)
	}
	if cfg.Dispatcher.Interval != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", cfg.Dispatcher.Interval)
	}
	if cfg.Dispatcher.HighPriorityThreshold != 4 {
		t.Errorf("expected threshold 4, got %d", cfg.Dispatcher.HighPriorityThreshold)
	}
	if cfg.Anthropic.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", cfg.Anthropic.Temperature)
	}
	if cfg.Anthropic.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Anthropic.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
store:
  path: /tmp/mp.db
  driver: sqlite3
dispatcher:
  interval: 2s
  high_priority_threshold: 6
  cleanup_ephemeral: false
anthropic:
  api_key: test-key
  model: claude-haiku-4-5
  temperature: 0.2
  timeout: 10s
ethics:
  keywords: [sabotage, exploit]
  policy_file: /etc/mp/ethics.yaml
  watch: true
roles:
  extra:
    - name: Auditor
      mission: Audit things
      capabilities: [audit]
telemetry:
  enabled: true
  exporter: none
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Store.Path != "/tmp/mp.db" || cfg.Store.Driver != "sqlite3" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Dispatcher.Interval != 2*time.Second {
		t.Errorf("interval = %v, want 2s", cfg.Dispatcher.Interval)
	}
	if cfg.Dispatcher.HighPriorityThreshold != 6 {
		t.Errorf("threshold = %d, want 6", cfg.Dispatcher.HighPriorityThreshold)
	}
	if cfg.Dispatcher.CleanupEphemeral {
		t.Error("cleanup_ephemeral should be false")
	}
	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("api key = %q", cfg.Anthropic.APIKey)
	}
	if cfg.Anthropic.Timeout != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Anthropic.Timeout)
	}
	if len(cfg.Ethics.Keywords) != 2 || cfg.Ethics.Keywords[0] != "sabotage" {
		t.Errorf("keywords = %v", cfg.Ethics.Keywords)
	}
	if !cfg.Ethics.Watch {
		t.Error("ethics.watch should be true")
	}
	if len(cfg.Roles.Extra) != 1 || cfg.Roles.Extra[0].Name != "Auditor" {
		t.Errorf("extra roles = %+v", cfg.Roles.Extra)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "none" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	// Unset values keep their defaults.
	if cfg.Dispatcher.Channel != "task-dispatch" {
		t.Errorf("channel default lost: %q", cfg.Dispatcher.Channel)
	}
}

func TestLoadFromPath_EnvExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_MP_KEY", "sk-ant-expanded")
	path := writeConfig(t, "anthropic:\n  api_key: ${TEST_MP_KEY}\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-expanded" {
		t.Errorf("api key = %q, want expanded value", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("MULTIPERSONA_DISPATCHER_HIGH_PRIORITY_THRESHOLD", "9")
	path := writeConfig(t, "dispatcher:\n  high_priority_threshold: 5\n")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Dispatcher.HighPriorityThreshold != 9 {
		t.Errorf("threshold = %d, want env override 9", cfg.Dispatcher.HighPriorityThreshold)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"bad driver", "store:\n  driver: postgres\n"},
		{"bad exporter", "telemetry:\n  exporter: zipkin\n"},
		{"bad temperature", "anthropic:\n  temperature: 1.5\n"},
		{"negative threshold", "dispatcher:\n  high_priority_threshold: -2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromPath(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_ProjectOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	projectDir := t.TempDir()
	nested := filepath.Join(projectDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	content := "dispatcher:\n  interval: 750ms\n"
	if err := os.WriteFile(filepath.Join(projectDir, ProjectConfigName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatcher.Interval != 750*time.Millisecond {
		t.Errorf("interval = %v, want project value 750ms", cfg.Dispatcher.Interval)
	}
	if got := GetProjectConfigPath(); filepath.Base(got) != ProjectConfigName {
		t.Errorf("GetProjectConfigPath = %q", got)
	}
}

func TestSave(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.Dispatcher.HighPriorityThreshold = 7
	cfg.Store.Path = "/var/lib/mp.db"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFromPath(GetUserConfigPath())
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Dispatcher.HighPriorityThreshold != 7 {
		t.Errorf("threshold = %d, want 7", loaded.Dispatcher.HighPriorityThreshold)
	}
	if loaded.Store.Path != "/var/lib/mp.db" {
		t.Errorf("store path = %q", loaded.Store.Path)
	}
	if loaded.Dispatcher.Interval != 5*time.Second {
		t.Errorf("interval = %v", loaded.Dispatcher.Interval)
	}
}

func TestSettings_MasksKey(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	if got := cfg.Settings()["anthropic.api_key"]; got != "sk-ant-...wxyz" {
		t.Errorf("masked key = %v", got)
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Dispatcher.HighPriorityThreshold = 2
	cfg.Dispatcher.Interval = time.Second
	cfg.Anthropic.Timeout = 3 * time.Second

	p := cfg.Policy()
	if p.Dispatch.HighPriorityThreshold != 2 {
		t.Errorf("threshold = %d", p.Dispatch.HighPriorityThreshold)
	}
	if p.Loop.Interval != time.Second {
		t.Errorf("interval = %v", p.Loop.Interval)
	}
	if p.Synthesis.Timeout != 3*time.Second {
		t.Errorf("synthesis timeout = %v", p.Synthesis.Timeout)
	}
	if p.Dispatch.Channel != "task-dispatch" {
		t.Errorf("channel = %q", p.Dispatch.Channel)
	}
	if p.Bus.QueueCapacity != 1000 {
		t.Errorf("queue capacity = %d, want 1000", p.Bus.QueueCapacity)
	}
	if p.Synthesis.Model == "" || p.Synthesis.MaxTokens != 2048 {
		t.Errorf("synthesis model/max tokens = %q/%d", p.Synthesis.Model, p.Synthesis.MaxTokens)
	}
}

func TestPolicy_SynthesisModelAndQueueCapacity(t *testing.T) {
	cfg := Default()
	cfg.Anthropic.Model = "claude-haiku-4-5"
	cfg.Anthropic.MaxTokens = 512
	cfg.Dispatcher.QueueCapacity = 25

	p := cfg.Policy()
	if p.Synthesis.Model != "claude-haiku-4-5" || p.Synthesis.MaxTokens != 512 {
		t.Errorf("synthesis = %q/%d", p.Synthesis.Model, p.Synthesis.MaxTokens)
	}
	if p.Bus.QueueCapacity != 25 {
		t.Errorf("queue capacity = %d, want 25", p.Bus.QueueCapacity)
	}

	cfg.Dispatcher.QueueCapacity = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative queue capacity should not validate")
	}
}

func TestCatalog(t *testing.T) {
	cfg := Default()
	cfg.Roles.Extra = nil
	catalog, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog: %v", err)
	}
	if _, ok := catalog.Lookup(models.RoleCodein); !ok {
		t.Error("built-in role Codein missing from catalog")
	}

	cfg.Roles.Extra = nil
	cfg.Roles.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := cfg.Catalog(); err == nil {
		t.Error("expected error for missing catalog file")
	}
}
