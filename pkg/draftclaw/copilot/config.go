// Package copilot – config.go defines all configuration structures
// for the draftclaw assistant.
package copilot

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKeyNames maps provider IDs to their standard API key variable names.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a provider.
// Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in the REPL prompt.
	Name string `yaml:"name"`

	// Model is the LLM model to use.
	Model string `yaml:"model"`

	// Instructions is the system prompt prepended to every turn.
	Instructions string `yaml:"instructions"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Backend configures the integration backend that builds and runs tools.
	Backend BackendConfig `yaml:"backend"`

	// Storage selects where transcripts are kept.
	Storage StorageConfig `yaml:"storage"`

	// Agent tunes the execution loop.
	Agent AgentConfig `yaml:"agent"`

	// Vault configures the encrypted credential vault.
	Vault VaultConfig `yaml:"vault"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider.
type APIConfig struct {
	// BaseURL is the API base URL. Examples:
	//   https://api.openai.com/v1     (OpenAI)
	//   https://api.anthropic.com/v1  (Anthropic)
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider.
	// Can also be set via the DRAFTCLAW_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Provider hints which wire format to use ("openai", "anthropic").
	// Auto-detected from base_url if omitted.
	Provider string `yaml:"provider"`

	// MaxTokens caps the completion length (Anthropic requires it).
	MaxTokens int `yaml:"max_tokens"`
}

// BackendConfig configures the integration backend REST API.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the backend.
	// Can also be set via DRAFTCLAW_BACKEND_API_KEY.
	APIKey string `yaml:"api_key"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// StorageConfig selects the transcript store.
type StorageConfig struct {
	// Driver is "jsonl" or "sqlite".
	Driver string `yaml:"driver"`

	// Dir is the JSONL transcript directory.
	Dir string `yaml:"dir"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// AgentConfig tunes the execution loop and tool execution.
type AgentConfig struct {
	// RunTimeoutSeconds bounds one user turn, all rounds included.
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`

	// ToolTimeoutSeconds bounds a single tool execution.
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`

	// EndpointTimeoutSeconds bounds the HTTP request made by call_endpoint.
	EndpointTimeoutSeconds int `yaml:"endpoint_timeout_seconds"`

	// ParallelTools runs the calls of one round concurrently (default: true).
	ParallelTools bool `yaml:"parallel_tools"`

	// MaxParallel limits concurrent tool executions (default: 4).
	MaxParallel int `yaml:"max_parallel"`
}

// VaultConfig configures the encrypted credential vault.
type VaultConfig struct {
	// Path is the vault file. Empty disables credential injection.
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// RunTimeout returns the per-turn timeout.
func (c AgentConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool timeout.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// EndpointTimeout returns the call_endpoint HTTP timeout.
func (c AgentConfig) EndpointTimeout() time.Duration {
	return time.Duration(c.EndpointTimeoutSeconds) * time.Second
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "DraftClaw",
		Model: "gpt-4o-mini",
		API: APIConfig{
			BaseURL:   "https://api.openai.com/v1",
			MaxTokens: 4096,
		},
		Instructions: "You help users build and run API integration tools. " +
			"Use build_tool to create a draft, edit_tool to change it, run_tool to execute it " +
			"and call_endpoint for one-off HTTP requests. Uploaded files are referenced as file::<key>.",
		Backend: BackendConfig{
			BaseURL:        "http://localhost:3002/v1",
			TimeoutSeconds: 120,
		},
		Storage: StorageConfig{
			Driver: "jsonl",
			Dir:    "./data/transcripts",
			Path:   "./data/draftclaw.db",
		},
		Agent: AgentConfig{
			RunTimeoutSeconds:      600,
			ToolTimeoutSeconds:     180,
			EndpointTimeoutSeconds: 60,
			ParallelTools:          true,
			MaxParallel:            4,
		},
		Vault: VaultConfig{
			Path: VaultFile,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the values a run cannot do without.
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	switch c.Storage.Driver {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be \"jsonl\" or \"sqlite\", got %q", c.Storage.Driver)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	if c.Agent.MaxParallel < 0 {
		return fmt.Errorf("agent.max_parallel must not be negative")
	}
	return nil
}
