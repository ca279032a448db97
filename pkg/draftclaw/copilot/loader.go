// Package copilot – loader.go reads and writes config.yaml. Values may
// reference the environment as ${NAME}, ${NAME:-default} or
// ${NAME:?message}; .env files next to the config are loaded first. The
// LLM and backend keys never round-trip to disk in plain text.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envRef matches ${NAME}, ${NAME:-default} and ${NAME:?message}.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// secretField is a config value kept out of config.yaml.
type secretField struct {
	yamlPath string
	envVar   string
	value    *string
}

func secretFields(cfg *Config) []secretField {
	return []secretField{
		{"api.api_key", "DRAFTCLAW_API_KEY", &cfg.API.APIKey},
		{"backend.api_key", "DRAFTCLAW_BACKEND_API_KEY", &cfg.Backend.APIKey},
	}
}

// pathFields are resolved against the config file's directory.
func pathFields(cfg *Config) []*string {
	return []*string{&cfg.Storage.Dir, &cfg.Storage.Path, &cfg.Vault.Path}
}

// LoadConfigFromFile reads path, expands environment references, overlays
// the result on the defaults and resolves keys and relative paths.
func LoadConfigFromFile(path string) (*Config, error) {
	dir := filepath.Dir(path)
	loadEnvFiles(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	cfg.API.APIKey = ResolveAPIKey(cfg.API.APIKey, cfg.API.Provider)
	cfg.Backend.APIKey = ResolveBackendKey(cfg.Backend.APIKey)
	for _, p := range pathFields(cfg) {
		*p = resolvePath(*p, dir)
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes over DefaultConfig().
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// An agent section that sets only some keys must not read as
	// parallel_tools: false.
	if agentMap, ok := raw["agent"].(map[string]any); ok {
		if _, set := agentMap["parallel_tools"]; !set {
			cfg.Agent.ParallelTools = DefaultConfig().Agent.ParallelTools
		}
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with mode 0600. Keys are written as
// their ${DRAFTCLAW_...} reference. The previous file is kept as .bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	for _, f := range secretFields(&sanitized) {
		if *f.value != "" && !IsEnvReference(*f.value) {
			*f.value = "${" + f.envVar + "}"
		}
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first config found in the working directory
// or in the user config directory (draftclaw/config.yaml).
func FindConfigFile() string {
	candidates := []string{"config.yaml", "config.yml", "draftclaw.yaml", "draftclaw.yml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "draftclaw", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditConfig warns about keys written in plain text in the file at path
// and about a file readable by group or others.
func AuditConfig(path string, logger *slog.Logger) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 {
		logger.Warn("config file is readable by other users",
			"path", path,
			"mode", fmt.Sprintf("%04o", info.Mode().Perm()),
			"fix", "chmod 600 "+path,
		)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	raw, err := ParseConfig(data)
	if err != nil {
		return
	}
	for _, f := range secretFields(raw) {
		if looksLikeKey(*f.value) {
			logger.Warn(f.yamlPath+" appears to be hardcoded in config. Use the keyring or an environment variable.",
				"hint", fmt.Sprintf("draftclaw key set, or '%s: ${%s}'", f.yamlPath, f.envVar))
		}
	}
}

// IsEnvReference reports whether s is a ${NAME} reference left unexpanded.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

// loadEnvFiles loads .env from the working directory and the config
// directory. Variables already set are never overwritten.
func loadEnvFiles(configDir string) {
	files := []string{".env"}
	if configDir != "." && configDir != "" {
		files = append(files, filepath.Join(configDir, ".env"))
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// expandEnv substitutes environment references. An unset ${NAME} stays as
// written; an unset ${NAME:?message} is an error.
func expandEnv(input string) (string, error) {
	var missing error
	out := envRef.ReplaceAllStringFunc(input, func(match string) string {
		sub := envRef.FindStringSubmatch(match)
		name, op, arg := sub[1], sub[2], sub[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch op {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required environment variable not set"
			}
			if missing == nil {
				missing = fmt.Errorf("config error: %s - %s", name, arg)
			}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolvePath expands ~/ and makes a relative path absolute against dir.
func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func looksLikeKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	return strings.HasPrefix(s, "sk-") || len(s) > 20
}
