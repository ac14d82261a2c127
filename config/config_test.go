package config

import (
	"path/filepath"
	"testing"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(path)
	cfg.Repository.URL = "https://updates.example.com/repo"
	cfg.Repository.Username = "drift"
	cfg.Workspace.Path = "/opt/app"
	if err := cfg.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := NewConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Repository.URL != cfg.Repository.URL {
		t.Errorf("url = %q", loaded.Repository.URL)
	}
	if loaded.Workspace.Path != "/opt/app" {
		t.Errorf("workspace = %q", loaded.Workspace.Path)
	}
	if loaded.Tuning.BufferBytes != 4*1024*1024 {
		t.Errorf("default buffer lost: %d", loaded.Tuning.BufferBytes)
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := NewConfigFromFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
