package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ring.GossipInterval != 5*time.Second {
		t.Errorf("gossip_interval = %v, want 5s", cfg.Ring.GossipInterval)
	}
	if cfg.Ring.PingTimeout != 2*time.Second {
		t.Errorf("ping_timeout = %v, want 2s", cfg.Ring.PingTimeout)
	}
	if cfg.Storage.Root != "nodes" {
		t.Errorf("storage.root = %q, want %q", cfg.Storage.Root, "nodes")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level = %q, want info", cfg.LogLevel)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ouro.yaml")
	yaml := "ring:\n  gossip_interval: 1s\nstorage:\n  root: /tmp/ring\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ring.GossipInterval != time.Second {
		t.Errorf("gossip_interval = %v, want 1s", cfg.Ring.GossipInterval)
	}
	if cfg.Storage.Root != "/tmp/ring" {
		t.Errorf("storage.root = %q", cfg.Storage.Root)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug", cfg.LogLevel)
	}
	// untouched keys keep defaults
	if cfg.Ring.HealWait != 30*time.Second {
		t.Errorf("heal_wait = %v, want 30s", cfg.Ring.HealWait)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/ouro.yaml"); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}
