package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadFrom_Valid(t *testing.T) {
	t.Setenv(WaitEnvVar, "")
	t.Setenv("CHROME_BIN", "")
	p := writeConfig(t, `
carbon:
  base_url: "http://127.0.0.1:9999"
  defaults:
    language: python
    background: "#ABB8C3"
    theme: seti
    wt: sharp
browser:
  driver_path: /opt/chrome
  disable_dev_shm: true
  wait_secs: 5
  wait_mode: download
cache:
  image_cache_ttl: 2m
rate_limiter:
  interval: 1h
  user_limit: 20
`)
	cfg := LoadFrom(p)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Carbon.BaseURL)
	assert.Equal(t, "seti", cfg.Carbon.Defaults.Theme)
	assert.Equal(t, "sharp", cfg.Carbon.Defaults.WordWrap)
	assert.Equal(t, "/opt/chrome", cfg.Browser.DriverPath)
	assert.True(t, cfg.Browser.DisableDevShm)
	assert.Equal(t, 5*time.Second, cfg.Browser.Wait())
	assert.Equal(t, "download", cfg.Browser.WaitMode)
	assert.Equal(t, 2*time.Minute, cfg.Cache.ImageCacheTTL)
	assert.Equal(t, 20, cfg.RateLimiter.UserLimit)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Browser.ActionTimeout())
	assert.Equal(t, ":8080", cfg.Server.Port)
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(WaitEnvVar, "")
	t.Setenv("CHROME_BIN", "")
	cfg := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 3*time.Second, cfg.Browser.Wait())
	assert.Equal(t, "https://carbon.now.sh", cfg.Carbon.BaseURL)
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv(WaitEnvVar, "12")
	t.Setenv("CHROME_BIN", "/usr/bin/chromium")
	cfg := LoadFrom(writeConfig(t, "browser:\n  wait_secs: 1\n"))
	assert.Equal(t, 12*time.Second, cfg.Browser.Wait())
	assert.Equal(t, "/usr/bin/chromium", cfg.Browser.DriverPath)

	cfg = LoadFrom(writeConfig(t, "browser:\n  driver_path: /explicit\n"))
	assert.Equal(t, "/explicit", cfg.Browser.DriverPath, "CHROME_BIN only fills an empty driver path")
}

func TestLoadFrom_PanicsOnInvalidValues(t *testing.T) {
	t.Setenv("CHROME_BIN", "")
	tests := []struct {
		name string
		yml  string
		env  string
	}{
		{name: "negative wait", yml: "browser:\n  wait_secs: -1\n"},
		{name: "unknown wait mode", yml: "browser:\n  wait_mode: poll\n"},
		{name: "empty base url", yml: "carbon:\n  base_url: \"\"\n"},
		{name: "negative user limit", yml: "rate_limiter:\n  user_limit: -1\n"},
		{name: "zero interval with user limit", yml: "rate_limiter:\n  user_limit: 2\n  interval: 0s\n"},
		{name: "malformed yaml", yml: "browser: [\n"},
		{name: "non numeric wait env", yml: "", env: "three"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(WaitEnvVar, tc.env)
			p := writeConfig(t, tc.yml)
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			_ = LoadFrom(p)
		})
	}
}

func TestLoadConfig_UsesConfigPathEnv(t *testing.T) {
	t.Setenv(WaitEnvVar, "")
	t.Setenv("CHROME_BIN", "")
	p := writeConfig(t, "carbon:\n  defaults:\n    theme: material\n")
	t.Setenv("CONFIG_PATH", p)

	cfg := LoadConfig()
	require.Equal(t, "material", cfg.Carbon.Defaults.Theme)
	assert.Equal(t, cfg, GetConfig())
}

func TestLoadConfigPath_ExplicitPathWinsOverEnv(t *testing.T) {
	t.Setenv(WaitEnvVar, "")
	t.Setenv("CHROME_BIN", "")
	t.Setenv("CONFIG_PATH", writeConfig(t, "carbon:\n  defaults:\n    theme: material\n"))
	p := writeConfig(t, "carbon:\n  defaults:\n    theme: dracula\n")

	cfg := LoadConfigPath(p)
	assert.Equal(t, "dracula", cfg.Carbon.Defaults.Theme)
	assert.Equal(t, "dracula", GetConfig().Carbon.Defaults.Theme)

	cfg = LoadConfigPath("")
	assert.Equal(t, "material", cfg.Carbon.Defaults.Theme)
}

func TestBrowserConfig_AcquireTimeoutFallback(t *testing.T) {
	var b BrowserConfig
	assert.Equal(t, 5*time.Second, b.AcquireTimeout())
	b.AcquireTimeoutSecs = 2
	assert.Equal(t, 2*time.Second, b.AcquireTimeout())
}
