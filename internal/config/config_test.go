package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hsxd.toml")
	body := `
[Control]
ListenAddr = "0.0.0.0:9999"

[Log]
Level = "debug"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q", cfg.Control.ListenAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Arena.MaxTasks != 16 {
		t.Errorf("unset Arena.MaxTasks should keep default, got %d", cfg.Arena.MaxTasks)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hsxd.toml")
	body := "[Control]\nBogusField = 1\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := Load(path, &cfg); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg := Defaults()
	if err := Load(filepath.Join(t.TempDir(), "missing.toml"), &cfg); err == nil {
		t.Fatal("expected error for missing file")
	}
}
