package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// setupTestEnv creates a temporary config directory and clears the
// rest of the VIBETUNNEL_* env vars. Returns a cleanup function.
func setupTestEnv(t *testing.T) func() {
	t.Helper()

	origConfigDir := os.Getenv("VIBETUNNEL_CONFIG_DIR")
	origListenAddr := os.Getenv("VIBETUNNEL_LISTEN_ADDR")
	origControlDir := os.Getenv("VIBETUNNEL_CONTROL_DIR")
	origAuthToken := os.Getenv("VIBETUNNEL_AUTH_TOKEN")
	origHQMode := os.Getenv("VIBETUNNEL_HQ_MODE")
	origHQURL := os.Getenv("VIBETUNNEL_HQ_URL")
	origHQName := os.Getenv("VIBETUNNEL_HQ_NAME")

	tmpDir := t.TempDir()
	os.Setenv("VIBETUNNEL_CONFIG_DIR", tmpDir)
	os.Unsetenv("VIBETUNNEL_LISTEN_ADDR")
	os.Unsetenv("VIBETUNNEL_CONTROL_DIR")
	os.Unsetenv("VIBETUNNEL_AUTH_TOKEN")
	os.Unsetenv("VIBETUNNEL_HQ_MODE")
	os.Unsetenv("VIBETUNNEL_HQ_URL")
	os.Unsetenv("VIBETUNNEL_HQ_NAME")

	return func() {
		os.Setenv("VIBETUNNEL_CONFIG_DIR", origConfigDir)
		restore := func(key, val string) {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
		restore("VIBETUNNEL_LISTEN_ADDR", origListenAddr)
		restore("VIBETUNNEL_CONTROL_DIR", origControlDir)
		restore("VIBETUNNEL_AUTH_TOKEN", origAuthToken)
		restore("VIBETUNNEL_HQ_MODE", origHQMode)
		restore("VIBETUNNEL_HQ_URL", origHQURL)
		restore("VIBETUNNEL_HQ_NAME", origHQName)
	}
}

func TestDefaultConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr == "" {
		t.Fatalf("expected a default listen address")
	}
	if cfg.ControlDir == "" {
		t.Fatalf("expected a default control dir")
	}
	if cfg.HQMode {
		t.Fatalf("expected HQ mode to default to false")
	}
	if cfg.SnapshotMinIntervalMs == 0 || cfg.SnapshotMaxIntervalMs == 0 {
		t.Fatalf("expected nonzero snapshot pacing defaults")
	}
}

func TestLoadFallsBackToDefaultsWhenNoFileExists(t *testing.T) {
	defer setupTestEnv(t)()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != DefaultConfig().ListenAddr {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	defer setupTestEnv(t)()

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	fileCfg := DefaultConfig()
	fileCfg.ListenAddr = ":9999"
	data, _ := json.Marshal(fileCfg)
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	os.Setenv("VIBETUNNEL_LISTEN_ADDR", ":1234")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":1234" {
		t.Fatalf("expected env override to win, got %q", cfg.ListenAddr)
	}
}

func TestHQModeEnvOverrideParsesBool(t *testing.T) {
	defer setupTestEnv(t)()

	os.Setenv("VIBETUNNEL_HQ_MODE", "true")
	os.Setenv("VIBETUNNEL_HQ_NAME", "west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.HQMode {
		t.Fatalf("expected HQ mode to be enabled")
	}
	if cfg.HQName != "west-1" {
		t.Fatalf("expected HQ name override, got %q", cfg.HQName)
	}
}

func TestSaveWritesReadableJSONFile(t *testing.T) {
	defer setupTestEnv(t)()

	cfg := DefaultConfig()
	cfg.ListenAddr = ":5050"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}

	var reloaded Config
	if err := json.Unmarshal(data, &reloaded); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if reloaded.ListenAddr != ":5050" {
		t.Fatalf("expected saved listen addr to round-trip, got %q", reloaded.ListenAddr)
	}
}

func TestConfigDirRespectsOverrideAndCreatesDirectory(t *testing.T) {
	defer setupTestEnv(t)()

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected config dir to exist: %v", err)
	}
	if filepath.Clean(dir) != filepath.Clean(os.Getenv("VIBETUNNEL_CONFIG_DIR")) {
		t.Fatalf("expected ConfigDir to respect override, got %q", dir)
	}
}
