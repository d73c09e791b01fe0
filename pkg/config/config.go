// Package config loads and validates the bridge's ambient configuration:
// the WebSocket listen address, session timers, scanner-recovery tuning,
// logging, and the control-plane listen addresses and JWT secret. CLI flags
// are not handled here, and there are no TLS settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/commatea/ble-bridge/pkg/logger"
)

// Default config file locations, checked in order when no explicit path is
// given.
var configPaths = []string{
	"./bled.yaml",
	"./bled.yml",
	"~/.config/bled/config.yaml",
	"/etc/bled/config.yaml",
}

// SessionConfig holds the Session/Manager timers from §5 of the spec.
type SessionConfig struct {
	GracePeriodSec   int `yaml:"grace_period_sec" validate:"gte=0"`
	IdleTimeoutSec   int `yaml:"idle_timeout_sec" validate:"gte=0"`
	EvictionGraceSec int `yaml:"eviction_grace_sec" validate:"gte=0"`
	ConnectWindowSec int `yaml:"connect_window_sec" validate:"gte=0"`
	SweepIntervalSec int `yaml:"sweep_interval_sec" validate:"gte=0"`
}

// RecoveryConfig holds the BLE Transport's scanner-recovery-delay tuning.
type RecoveryConfig struct {
	BaseMs int `yaml:"base_ms" validate:"gte=0"`
	StepMs int `yaml:"step_ms" validate:"gte=0"`
	CapMs  int `yaml:"cap_ms" validate:"gte=0"`
}

// ServerConfig holds the WebSocket front door's listen address.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// ControlAPIConfig holds the observability/control-plane surface's listen
// address and optional operator authentication. It is a collaborator the
// core does not depend on, but the bled binary wires it from the same file.
type ControlAPIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig mirrors logger.Config with yaml/validate tags.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug verbose trace info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Output string `yaml:"output" validate:"omitempty,oneof=stdout file"`
	File   string `yaml:"file"`
}

// BridgeConfig is the bridge process's complete ambient configuration.
type BridgeConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	ControlAPI ControlAPIConfig `yaml:"control_api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Load reads configuration from path, or the first existing default path,
// or falls back to DefaultConfig. Environment variables listed in the
// spec's external-interfaces section always win over file values.
func Load(path string) (*BridgeConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		for _, p := range configPaths {
			if p[0] == '~' {
				home, err := os.UserHomeDir()
				if err == nil {
					p = filepath.Join(home, p[2:])
				}
			}
			if _, err := os.Stat(p); err == nil {
				loaded, err := loadFile(p)
				if err != nil {
					return nil, err
				}
				cfg = loaded
				break
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment keys the spec recognizes:
// BLE_SESSION_GRACE_PERIOD_SEC, BLE_SESSION_IDLE_TIMEOUT_SEC, eviction
// grace, scanner-recovery base/step/cap, connect window, sweep interval,
// server address, and log level (with the verbose/trace/warn aliases
// logger.NormalizeLevel understands). There is no key for the scan
// deadline; it is fixed at 10s in the ble package.
func applyEnvOverrides(cfg *BridgeConfig) {
	envInt(&cfg.Session.GracePeriodSec, "BLE_SESSION_GRACE_PERIOD_SEC")
	envInt(&cfg.Session.IdleTimeoutSec, "BLE_SESSION_IDLE_TIMEOUT_SEC")
	envInt(&cfg.Session.EvictionGraceSec, "BLE_SESSION_EVICTION_GRACE_SEC")
	envInt(&cfg.Session.ConnectWindowSec, "BLE_CONNECT_WINDOW_SEC")
	envInt(&cfg.Session.SweepIntervalSec, "BLE_SWEEP_INTERVAL_SEC")
	envInt(&cfg.Recovery.BaseMs, "BLE_SCANNER_RECOVERY_BASE_MS")
	envInt(&cfg.Recovery.StepMs, "BLE_SCANNER_RECOVERY_STEP_MS")
	envInt(&cfg.Recovery.CapMs, "BLE_SCANNER_RECOVERY_CAP_MS")

	if v := os.Getenv("BLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = logger.NormalizeLevel(v)
	}
	if v := os.Getenv("BLE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

func envInt(dest *int, key string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if parsed, err := strconv.Atoi(raw); err == nil {
		*dest = parsed
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *BridgeConfig) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *BridgeConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns the bridge's out-of-the-box configuration, matching
// the defaults named throughout the spec (grace 5s, idle 45s, scanner-
// recovery base 2s/step 500ms/cap 10s, connect window 5s, sweep 30s).
func DefaultConfig() *BridgeConfig {
	return &BridgeConfig{
		Server: ServerConfig{Addr: ":8080"},
		Session: SessionConfig{
			GracePeriodSec:   5,
			IdleTimeoutSec:   45,
			EvictionGraceSec: 5,
			ConnectWindowSec: 5,
			SweepIntervalSec: 30,
		},
		Recovery: RecoveryConfig{
			BaseMs: 2000,
			StepMs: 500,
			CapMs:  10000,
		},
		ControlAPI: ControlAPIConfig{
			Enabled:  true,
			Addr:     ":9090",
			GRPCAddr: ":9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// SessionDurations converts the loaded SessionConfig into time.Duration
// values for wiring into session.Options and Manager.SetSweepInterval.
func (c *BridgeConfig) SessionDurations() (grace, idle, evictionGrace, connectWindow, sweepInterval time.Duration) {
	return time.Duration(c.Session.GracePeriodSec) * time.Second,
		time.Duration(c.Session.IdleTimeoutSec) * time.Second,
		time.Duration(c.Session.EvictionGraceSec) * time.Second,
		time.Duration(c.Session.ConnectWindowSec) * time.Second,
		time.Duration(c.Session.SweepIntervalSec) * time.Second
}

// RecoveryDurations converts the loaded RecoveryConfig into ble.RecoveryParams
// shape (as plain durations; cmd/bled constructs the ble.RecoveryParams
// value directly to avoid an import cycle between config and ble).
func (c *BridgeConfig) RecoveryDurations() (base, step, cap time.Duration) {
	return time.Duration(c.Recovery.BaseMs) * time.Millisecond,
		time.Duration(c.Recovery.StepMs) * time.Millisecond,
		time.Duration(c.Recovery.CapMs) * time.Millisecond
}

// LoggerConfig converts LoggingConfig into logger.Config.
func (c *BridgeConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}
