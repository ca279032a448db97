package copilot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v := NewVault(filepath.Join(t.TempDir(), "test.vault"))
	if err := v.Create("correct-password"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return v
}

func TestVault_Lifecycle(t *testing.T) {
	v := newTestVault(t)

	t.Run("cannot create twice", func(t *testing.T) {
		if err := v.Create("other"); err == nil {
			t.Error("expected error when creating existing vault")
		}
	})

	t.Run("set and get", func(t *testing.T) {
		if err := v.Set("stripe_key", "sk_live_123"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := v.Get("stripe_key")
		if err != nil || got != "sk_live_123" {
			t.Fatalf("Get = %q, %v", got, err)
		}
	})

	t.Run("file holds no plaintext", func(t *testing.T) {
		raw, err := os.ReadFile(v.Path())
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(raw), "sk_live_123") {
			t.Error("plaintext secret found in vault file")
		}
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		v.Lock()
		if err := v.Unlock("wrong-password"); err == nil {
			t.Error("expected error with wrong password")
		}
		if v.IsUnlocked() {
			t.Error("vault should stay locked")
		}
		if _, err := v.Get("stripe_key"); !errors.Is(err, ErrVaultLocked) {
			t.Errorf("Get on locked vault: %v", err)
		}
	})

	t.Run("change password", func(t *testing.T) {
		if err := v.Unlock("correct-password"); err != nil {
			t.Fatalf("Unlock: %v", err)
		}
		if err := v.ChangePassword("new-password"); err != nil {
			t.Fatalf("ChangePassword: %v", err)
		}
		v.Lock()
		if err := v.Unlock("correct-password"); err == nil {
			t.Error("old password still works")
		}
		if err := v.Unlock("new-password"); err != nil {
			t.Fatalf("Unlock with new password: %v", err)
		}
		if got, _ := v.Get("stripe_key"); got != "sk_live_123" {
			t.Errorf("secret lost after password change: %q", got)
		}
	})

	t.Run("keys exclude verification entry", func(t *testing.T) {
		keys, err := v.Keys()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"stripe_key"}, keys); diff != "" {
			t.Errorf("keys mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid names", func(t *testing.T) {
		for _, name := range []string{"", "has space", verifyEntry} {
			if err := v.Set(name, "x"); err == nil {
				t.Errorf("Set(%q) should fail", name)
			}
		}
	})
}

func TestSubstituteCredentials(t *testing.T) {
	v := newTestVault(t)
	if err := v.Set("api.token", "tok-1"); err != nil {
		t.Fatal(err)
	}

	got, err := SubstituteCredentials("Bearer <<api.token>> / <<api.token>>", v)
	if err != nil {
		t.Fatalf("SubstituteCredentials: %v", err)
	}
	if got != "Bearer tok-1 / tok-1" {
		t.Errorf("got %q", got)
	}

	if got, err := SubstituteCredentials("no placeholders", nil); err != nil || got != "no placeholders" {
		t.Errorf("plain string: %q, %v", got, err)
	}

	_, err = SubstituteCredentials("<<missing>>", v)
	if err == nil || !strings.Contains(err.Error(), "api.token") {
		t.Errorf("missing credential error should list stored names: %v", err)
	}

	if _, err := SubstituteCredentials("<<api.token>>", nil); err == nil {
		t.Error("expected error without a vault")
	}

	if diff := cmp.Diff([]string{"a", "b"}, CredentialPlaceholders("<<a>><<b>><<a>>")); diff != "" {
		t.Errorf("placeholders mismatch (-want +got):\n%s", diff)
	}
}
