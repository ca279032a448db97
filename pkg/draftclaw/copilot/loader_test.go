package copilot

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("DC_SET", "value")

	tests := []struct {
		in      string
		want    string
		wantErr string
	}{
		{in: "${DC_SET}", want: "value"},
		{in: "$DC_SET", want: "$DC_SET"},
		{in: "${DC_UNSET}", want: "${DC_UNSET}"},
		{in: "${DC_UNSET:-fallback}", want: "fallback"},
		{in: "${DC_SET:-fallback}", want: "value"},
		{in: "${DC_SET:?needed}", want: "value"},
		{in: "prefix-${DC_SET}-suffix", want: "prefix-value-suffix"},
		{in: "api_key: ${DC_UNSET:?set the key}", wantErr: "DC_UNSET - set the key"},
		{in: "${DC_UNSET:?}", wantErr: "required environment variable not set"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := expandEnv(tt.in)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expandEnv(%q) err = %v, want %q", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("expandEnv(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromFile_RequiredVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "draftclaw.yaml")
	if err := os.WriteFile(path, []byte("model: ${DC_MISSING_MODEL:?pick a model}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfigFromFile(path)
	if err == nil || !strings.Contains(err.Error(), "DC_MISSING_MODEL - pick a model") {
		t.Fatalf("err = %v", err)
	}
}

func TestAuditConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		mode    os.FileMode
		want    []string
		notWant []string
	}{
		{
			name:    "hardcoded key and open permissions",
			content: "api:\n  api_key: sk-plaintext\n",
			mode:    0o644,
			want:    []string{"api.api_key appears to be hardcoded", "readable by other users"},
		},
		{
			name:    "references only",
			content: "api:\n  api_key: ${DRAFTCLAW_API_KEY}\nbackend:\n  api_key: ${DRAFTCLAW_BACKEND_API_KEY}\n",
			mode:    0o600,
			notWant: []string{"hardcoded", "readable"},
		},
		{
			name:    "long backend key",
			content: "backend:\n  api_key: abcdefghijklmnopqrstuvwxyz\n",
			mode:    0o600,
			want:    []string{"backend.api_key appears to be hardcoded"},
			notWant: []string{"api.api_key appears"},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, fmt.Sprintf("config-%d.yaml", i))
			if err := os.WriteFile(path, []byte(tt.content), tt.mode); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(path, tt.mode); err != nil {
				t.Fatal(err)
			}

			var buf bytes.Buffer
			AuditConfig(path, slog.New(slog.NewTextHandler(&buf, nil)))
			logged := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(logged, w) {
					t.Errorf("missing %q in log:\n%s", w, logged)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(logged, w) {
					t.Errorf("unexpected %q in log:\n%s", w, logged)
				}
			}
		})
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	if got := FindConfigFile(); got != "" {
		t.Fatalf("FindConfigFile() = %q, want none", got)
	}

	user := filepath.Join(xdg, "draftclaw", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(user), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(user, []byte("model: x\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != user {
		t.Errorf("FindConfigFile() = %q, want %q", got, user)
	}

	if err := os.WriteFile("draftclaw.yaml", []byte("model: y\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != "draftclaw.yaml" {
		t.Errorf("FindConfigFile() = %q, want the working directory file", got)
	}
}

func TestParseConfig_DefaultsOverlay(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
model: claude-sonnet
agent:
  max_parallel: 2
storage:
  driver: sqlite
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Model != "claude-sonnet" || cfg.Agent.MaxParallel != 2 || cfg.Storage.Driver != "sqlite" {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if !cfg.Agent.ParallelTools {
		t.Error("parallel_tools default lost when agent section is partial")
	}
	if cfg.Agent.ToolTimeoutSeconds != DefaultConfig().Agent.ToolTimeoutSeconds {
		t.Errorf("tool timeout default lost: %d", cfg.Agent.ToolTimeoutSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	off, err := ParseConfig([]byte("agent:\n  parallel_tools: false\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if off.Agent.ParallelTools {
		t.Error("explicit parallel_tools: false was ignored")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown storage driver")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	keyring.MockInit()
	t.Setenv("DRAFTCLAW_API_KEY", "sk-from-env")
	t.Setenv("DRAFTCLAW_BACKEND_API_KEY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "draftclaw.yaml")
	content := `
model: gpt-4o
api:
  api_key: ${DRAFTCLAW_API_KEY}
backend:
  base_url: ${DC_BACKEND_URL:-http://backend.local/v1}
  api_key: plain-backend-key
storage:
  dir: transcripts
vault:
  path: secrets.vault
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.API.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.API.APIKey)
	}
	if cfg.Backend.BaseURL != "http://backend.local/v1" || cfg.Backend.APIKey != "plain-backend-key" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Storage.Dir != filepath.Join(dir, "transcripts") {
		t.Errorf("storage dir = %q", cfg.Storage.Dir)
	}
	if cfg.Vault.Path != filepath.Join(dir, "secrets.vault") {
		t.Errorf("vault path = %q", cfg.Vault.Path)
	}
}

func TestSaveConfigToFile_SanitizesSecrets(t *testing.T) {
	t.Setenv("DRAFTCLAW_API_KEY", "sk-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "out", "draftclaw.yaml")
	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-secret"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Errorf("secret written to disk:\n%s", data)
	}
	if !strings.Contains(string(data), "${DRAFTCLAW_API_KEY}") {
		t.Errorf("env reference missing:\n%s", data)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o", info.Mode().Perm())
	}
}
