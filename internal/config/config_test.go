package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "localdesktop.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User.Username != "root" {
		t.Errorf("want default username root, got %s", cfg.User.Username)
	}
	if cfg.Session.RestartThreshold != 3 {
		t.Errorf("want default restart_threshold 3, got %d", cfg.Session.RestartThreshold)
	}
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := writeConfig(t, `
user:
  username: alice
command:
  check: check-cmd
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User.Username != "alice" {
		t.Errorf("want username alice, got %s", cfg.User.Username)
	}
	if cfg.Command.Check != "check-cmd" {
		t.Errorf("want check-cmd, got %s", cfg.Command.Check)
	}
	// Omitted groups keep their defaults.
	if cfg.Session.WaylandSocket != "wayland-0" {
		t.Errorf("want default wayland socket, got %s", cfg.Session.WaylandSocket)
	}
	if cfg.Command.Launch == "" {
		t.Error("omitted launch should keep its default")
	}
}

func TestLoadAppliesTryKeys(t *testing.T) {
	path := writeConfig(t, `
user:
  username: root
  try_username: testuser
command:
  check: check-cmd
  try_check: try-check
  install: install-cmd
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User.Username != "testuser" {
		t.Errorf("want try_username applied, got %s", cfg.User.Username)
	}
	if cfg.Command.Check != "try-check" {
		t.Errorf("want try_check applied, got %s", cfg.Command.Check)
	}
	if cfg.Command.Install != "install-cmd" {
		t.Errorf("want install untouched, got %s", cfg.Command.Install)
	}
}

func TestTryKeysAreOneShot(t *testing.T) {
	path := writeConfig(t, `
user:
  username: root
  try_username: once
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("first load: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "# try_username: once") {
		t.Errorf("try key not commented out after load:\n%s", content)
	}

	// Second load sees the plain key again.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if cfg.User.Username != "root" {
		t.Errorf("want root on second load, got %s", cfg.User.Username)
	}
}

func TestLoadMalformedFallsBackToDefaults(t *testing.T) {
	path := writeConfig(t, "user: [not: a, mapping\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.User.Username != "root" {
		t.Errorf("want defaults on malformed file, got username %s", cfg.User.Username)
	}
}

func TestValidateRejectsBadBinds(t *testing.T) {
	cfg := Default()
	cfg.FS.Binds = []string{"/sdcard"}
	if err := cfg.Validate(); err == nil {
		t.Error("want error for bind without target")
	}
	cfg.FS.Binds = []string{"/sdcard:/root/shared:ro"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid bind rejected: %v", err)
	}
}

func TestParseBind(t *testing.T) {
	b, err := ParseBind("/sdcard:/root/shared:ro")
	if err != nil {
		t.Fatal(err)
	}
	if b.Source != "/sdcard" || b.Target != "/root/shared" || !b.ReadOnly {
		t.Errorf("unexpected bind: %+v", b)
	}
	if _, err := ParseBind("/a:/b:rx"); err == nil {
		t.Error("want error for unknown mode")
	}
}
