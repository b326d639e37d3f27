package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setupRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SLIPWAY_PROXY_FQDN", "gateway.example.com")
	t.Setenv("SLIPWAY_PROVISIONER_HOST", "provisioner.internal")
}

func TestLoadDefaults(t *testing.T) {
	setupRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.ControlAddr != "0.0.0.0:8001" || cfg.UserAddr != "0.0.0.0:8000" {
		t.Errorf("listener defaults: %+v", cfg)
	}
	if cfg.WorkerShards != 4 || cfg.LogLevel != "info" {
		t.Errorf("worker/log defaults: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setupRequired(t)
	path := filepath.Join(t.TempDir(), "slipway.yaml")
	err := os.WriteFile(path, []byte("control_addr: 127.0.0.1:9001\nworker_shards: 8\nlog_level: debug\n"), 0600)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SLIPWAY_CONFIG", path)
	t.Setenv("SLIPWAY_WORKER_SHARDS", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ControlAddr != "127.0.0.1:9001" {
		t.Errorf("file value lost: %q", cfg.ControlAddr)
	}
	if cfg.WorkerShards != 16 {
		t.Errorf("env did not override file: %d", cfg.WorkerShards)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{WorkerShards: 0, UseTLS: true, LogLevel: "loud", AdminKey: "k"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		"SLIPWAY_PROXY_FQDN",
		"SLIPWAY_WORKER_SHARDS",
		"SLIPWAY_ACME_EMAIL",
		"SLIPWAY_LOG_LEVEL",
		"SLIPWAY_ADMIN_NAME",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in: %v", want, err)
		}
	}
}

func TestBadConfigFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SLIPWAY_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
