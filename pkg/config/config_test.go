package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestLoadFallsBackToDefaultWhenNoFileFound(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.IdleTimeoutSec != 45 {
		t.Fatalf("expected default idle timeout 45, got %d", cfg.Session.IdleTimeoutSec)
	}
}

func TestLoadFromExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bled.yaml")
	os.WriteFile(path, []byte("session:\n  idle_timeout_sec: 90\n"), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.IdleTimeoutSec != 90 {
		t.Fatalf("expected idle timeout 90 from file, got %d", cfg.Session.IdleTimeoutSec)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bled.yaml")
	os.WriteFile(path, []byte("session:\n  idle_timeout_sec: 90\n"), 0644)

	os.Setenv("BLE_SESSION_IDLE_TIMEOUT_SEC", "120")
	defer os.Unsetenv("BLE_SESSION_IDLE_TIMEOUT_SEC")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.IdleTimeoutSec != 120 {
		t.Fatalf("expected env override to win (120), got %d", cfg.Session.IdleTimeoutSec)
	}
}

func TestLogLevelEnvNormalizesAliases(t *testing.T) {
	os.Setenv("BLE_LOG_LEVEL", "verbose")
	defer os.Unsetenv("BLE_LOG_LEVEL")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected verbose to normalize to debug, got %q", cfg.Logging.Level)
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "bled.yaml")

	cfg := DefaultConfig()
	cfg.Session.GracePeriodSec = 12

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save failed: %v", err)
	}
	if reloaded.Session.GracePeriodSec != 12 {
		t.Fatalf("expected saved value to round-trip, got %d", reloaded.Session.GracePeriodSec)
	}
}
