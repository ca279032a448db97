package copilot

import (
	"testing"

	"github.com/zalando/go-keyring"
)

func TestResolveAPIKey_Priority(t *testing.T) {
	keyring.MockInit()
	t.Setenv("DRAFTCLAW_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	if got := ResolveAPIKey("from-config", "openai"); got != "from-config" {
		t.Errorf("config fallback = %q", got)
	}
	if got := ResolveAPIKey("${DRAFTCLAW_API_KEY}", "openai"); got != "" {
		t.Errorf("unexpanded reference leaked: %q", got)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	if got := ResolveAPIKey("from-config", "anthropic"); got != "sk-ant-env" {
		t.Errorf("provider env = %q", got)
	}

	t.Setenv("DRAFTCLAW_API_KEY", "sk-dc-env")
	if got := ResolveAPIKey("from-config", "anthropic"); got != "sk-dc-env" {
		t.Errorf("DRAFTCLAW_API_KEY = %q", got)
	}

	if err := StoreKeyring(KeyringAPIKey, "sk-keyring"); err != nil {
		t.Fatalf("StoreKeyring: %v", err)
	}
	if got := ResolveAPIKey("from-config", "anthropic"); got != "sk-keyring" {
		t.Errorf("keyring = %q", got)
	}

	if err := DeleteKeyring(KeyringAPIKey); err != nil {
		t.Fatalf("DeleteKeyring: %v", err)
	}
	if GetKeyring(KeyringAPIKey) != "" {
		t.Error("key still present after delete")
	}
}

func TestResolveBackendKey(t *testing.T) {
	keyring.MockInit()
	t.Setenv("DRAFTCLAW_BACKEND_API_KEY", "")

	if got := ResolveBackendKey("cfg"); got != "cfg" {
		t.Errorf("config = %q", got)
	}
	t.Setenv("DRAFTCLAW_BACKEND_API_KEY", "env")
	if got := ResolveBackendKey("cfg"); got != "env" {
		t.Errorf("env = %q", got)
	}
	if err := StoreKeyring(KeyringBackendKey, "ring"); err != nil {
		t.Fatal(err)
	}
	if got := ResolveBackendKey("cfg"); got != "ring" {
		t.Errorf("keyring = %q", got)
	}
	if !KeyringAvailable() {
		t.Error("mock keyring should be available")
	}
}
