// Package config provides configuration loading and persistence for
// vibetunneld.
//
// Configuration is loaded from:
// 1. ~/.vibetunnel/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - VIBETUNNEL_LISTEN_ADDR: address the HTTP/WS server binds
//   - VIBETUNNEL_CONTROL_DIR: session control root (§4.4)
//   - VIBETUNNEL_AUTH_TOKEN: shared-secret bearer token (empty = allow-all)
//   - VIBETUNNEL_HQ_MODE: "1" to run as a federation HQ (§4.12)
//   - VIBETUNNEL_HQ_URL: HQ URL to register with, in remote mode
//   - VIBETUNNEL_HQ_NAME: this remote's name, as registered with the HQ
//   - VIBETUNNEL_CONFIG_DIR: override config directory (for testing)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all configuration for vibetunneld.
type Config struct {
	// ListenAddr is the address the HTTP/WS server binds, e.g. ":4020".
	ListenAddr string `json:"listen_addr"`

	// ControlDir is the session control root (§4.4); each session gets
	// a subdirectory under it.
	ControlDir string `json:"control_dir"`

	// AuthToken, if set, is the shared secret internal/authz's
	// BearerToken checks against. Empty means allow-all.
	AuthToken string `json:"auth_token,omitempty"`

	// HQMode runs this server as a federation HQ (§4.12), accepting
	// remote registrations instead of registering with one.
	HQMode bool `json:"hq_mode"`

	// HQURL is the HQ this server registers with, when not in HQ mode.
	HQURL string `json:"hq_url,omitempty"`

	// HQName is this remote's name, as announced to the HQ.
	HQName string `json:"hq_name,omitempty"`

	// SnapshotMinIntervalMs / SnapshotMaxIntervalMs hold snapshot pacing
	// bounds (§4.9). They are loaded and saved with the config but not
	// passed to the WebSocket transport: internal/wsserver uses each
	// Subscribe frame's own intervals, and a 0 there means no minimum /
	// no forced maximum.
	SnapshotMinIntervalMs uint64 `json:"snapshot_min_interval_ms"`
	SnapshotMaxIntervalMs uint64 `json:"snapshot_max_interval_ms"`

	// HeartbeatIntervalSeconds holds the WS/IPC liveness interval (§5).
	// It is not passed to internal/wsserver, whose heartbeat interval is
	// a fixed 30 seconds.
	HeartbeatIntervalSeconds uint64 `json:"heartbeat_interval_seconds"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	if homeDir == "" {
		homeDir = "."
	}

	return &Config{
		ListenAddr:               ":4020",
		ControlDir:               filepath.Join(homeDir, ".vibetunnel", "control"),
		AuthToken:                "",
		HQMode:                   false,
		HQURL:                    "",
		HQName:                   "",
		SnapshotMinIntervalMs:    50,
		SnapshotMaxIntervalMs:    1000,
		HeartbeatIntervalSeconds: 30,
	}
}

// ConfigDir returns the configuration directory path, creating it if
// necessary. Respects VIBETUNNEL_CONFIG_DIR for testing.
func ConfigDir() (string, error) {
	if testDir := os.Getenv("VIBETUNNEL_CONFIG_DIR"); testDir != "" {
		if err := os.MkdirAll(testDir, 0700); err != nil {
			return "", fmt.Errorf("could not create config directory: %w", err)
		}
		return testDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".vibetunnel")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("could not create config directory: %w", err)
	}

	return dir, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration from file and applies environment variable
// overrides. Priority: environment variables > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil {
		// File doesn't exist or is invalid - use defaults, not an error.
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VIBETUNNEL_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}

	if dir := os.Getenv("VIBETUNNEL_CONTROL_DIR"); dir != "" {
		c.ControlDir = dir
	}

	if token := os.Getenv("VIBETUNNEL_AUTH_TOKEN"); token != "" {
		c.AuthToken = token
	}

	if hqMode := os.Getenv("VIBETUNNEL_HQ_MODE"); hqMode != "" {
		if val, err := strconv.ParseBool(hqMode); err == nil {
			c.HQMode = val
		}
	}

	if hqURL := os.Getenv("VIBETUNNEL_HQ_URL"); hqURL != "" {
		c.HQURL = hqURL
	}

	if hqName := os.Getenv("VIBETUNNEL_HQ_NAME"); hqName != "" {
		c.HQName = hqName
	}
}

// Save writes configuration to the config file.
func (c *Config) Save() error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}

	return nil
}
