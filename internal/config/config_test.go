package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
auth_dir: /tmp/alfred-auth
bridge_command: ["bridge"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider != "whatsapp" {
		t.Fatalf("expected default provider, got %q", cfg.Provider)
	}
	if cfg.AuthDir != "/tmp/alfred-auth" {
		t.Fatalf("unexpected auth dir: %q", cfg.AuthDir)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
bridge_command: ["bridge"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuthDir != DefaultAuthDir() {
		t.Fatalf("expected default auth dir, got %q", cfg.AuthDir)
	}
	if cfg.MaxTextChars != defaultMaxTextChars {
		t.Fatalf("expected default max_text_chars %d, got %d", defaultMaxTextChars, cfg.MaxTextChars)
	}
	if cfg.ReconnectDelayMs != defaultReconnectDelayMs {
		t.Fatalf("expected default reconnect_delay_ms %d, got %d", defaultReconnectDelayMs, cfg.ReconnectDelayMs)
	}
	if cfg.MaxQrGenerations != defaultMaxQrGenerations {
		t.Fatalf("expected default max_qr_generations %d, got %d", defaultMaxQrGenerations, cfg.MaxQrGenerations)
	}
	if cfg.HistoryGraceWindowSec != defaultHistoryGraceWindowSec {
		t.Fatalf("expected default history_grace_window_sec %d, got %d", defaultHistoryGraceWindowSec, cfg.HistoryGraceWindowSec)
	}
}

func TestLoad_ExplicitOptions(t *testing.T) {
	path := writeConfig(t, `
provider: whatsapp
auth_dir: /var/lib/alfred/auth
bridge_command: ["node", "bridge.js"]
max_text_chars: 8
reconnect_delay_ms: 500
max_qr_generations: 5
allow_self_from_me: true
require_prefix: "/alfred"
history_grace_window_sec: 0
allowed_senders:
  - "11111@s.whatsapp.net"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxTextChars != 8 {
		t.Fatalf("expected max_text_chars 8, got %d", cfg.MaxTextChars)
	}
	if cfg.ReconnectDelayMs != 500 {
		t.Fatalf("expected reconnect_delay_ms 500, got %d", cfg.ReconnectDelayMs)
	}
	if cfg.MaxQrGenerations != 5 {
		t.Fatalf("expected max_qr_generations 5, got %d", cfg.MaxQrGenerations)
	}
	if !cfg.AllowSelfFromMe {
		t.Fatal("expected allow_self_from_me true")
	}
	if cfg.RequirePrefix != "/alfred" {
		t.Fatalf("unexpected require_prefix: %q", cfg.RequirePrefix)
	}
	// yaml decoding can't distinguish an explicit 0 from an absent field for
	// a plain int, and applyDefaults replaces a zero grace window with the
	// default, so history_grace_window_sec: 0 falls back to the default.
	// Negative values are rejected by validate. A zero grace window can only
	// be set on the Config struct directly, not through YAML.
	if cfg.HistoryGraceWindowSec != defaultHistoryGraceWindowSec {
		t.Fatalf("expected history_grace_window_sec to fall back to default, got %d", cfg.HistoryGraceWindowSec)
	}
	if len(cfg.AllowedSenders) != 1 || cfg.AllowedSenders[0] != "11111@s.whatsapp.net" {
		t.Fatalf("unexpected allowed_senders: %v", cfg.AllowedSenders)
	}
}

func TestLoad_MissingBridgeCommand(t *testing.T) {
	path := writeConfig(t, `
auth_dir: /tmp/x
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing bridge_command")
	}
}

func TestLoad_DuplicateAllowedSender(t *testing.T) {
	path := writeConfig(t, `
bridge_command: ["bridge"]
allowed_senders:
  - "11111@s.whatsapp.net"
  - "11111@s.whatsapp.net"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for duplicate allowed_senders entry")
	}
}

func TestLoad_NegativeReconnectDelay(t *testing.T) {
	path := writeConfig(t, `
bridge_command: ["bridge"]
reconnect_delay_ms: -1
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for negative reconnect_delay_ms")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeConfig(t, `
bridge_command: ["bridge"]
bogus_field: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown YAML field")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
