package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// CarbonDefaults are the presentation options applied when a caller
// leaves one out. They are empty unless configured.
type CarbonDefaults struct {
	Language   string `yaml:"language"`
	Background string `yaml:"background"`
	Theme      string `yaml:"theme"`
	WordWrap   string `yaml:"wt"`
}

// BrowserConfig controls how the Chrome session is launched and how long
// it waits for the export download.
type BrowserConfig struct {
	DriverPath         string `yaml:"driver_path"`
	Interactive        bool   `yaml:"interactive"`
	DisableDevShm      bool   `yaml:"disable_dev_shm"`
	NoSandbox          bool   `yaml:"no_sandbox"`
	UserDataDir        string `yaml:"user_data_dir"`
	WaitSecs           int    `yaml:"wait_secs"`
	WaitMode           string `yaml:"wait_mode"`
	ActionTimeoutSecs  int    `yaml:"action_timeout_secs"`
	AcquireTimeoutSecs int    `yaml:"acquire_timeout_secs"`
}

// PostgresConfig locates the API token database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the application configuration loaded from YAML.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Carbon struct {
		BaseURL  string         `yaml:"base_url"`
		Defaults CarbonDefaults `yaml:"defaults"`
	} `yaml:"carbon"`

	Browser BrowserConfig `yaml:"browser"`

	Limits struct {
		MaxCodeBytes  int `yaml:"max_code_bytes"`
		MaxImageBytes int `yaml:"max_image_bytes"`
	} `yaml:"limits"`

	Cache struct {
		ImageCacheEnabled bool          `yaml:"image_cache_enabled"`
		ImageCacheTTL     time.Duration `yaml:"image_cache_ttl"`
		RedisHost         string        `yaml:"redis_host"`
		RateLimitDB       int           `yaml:"redis_rate_db"`
		ImageCacheDB      int           `yaml:"redis_image_db"`
	} `yaml:"cache"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Enabled  bool           `yaml:"enabled"`
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`
}

// AppConfig holds the configuration loaded by LoadConfig.
var AppConfig Config

const (
	defaultConfigPath = "config.yaml"
	// WaitEnvVar overrides browser.wait_secs. It is read once at startup.
	WaitEnvVar = "SECONDS_SLEEP_BEFORE_DOWNLOAD"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = ":8080"
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 7
	cfg.Carbon.BaseURL = "https://carbon.now.sh"
	cfg.Browser.WaitSecs = 3
	cfg.Browser.WaitMode = "fixed"
	cfg.Browser.ActionTimeoutSecs = 30
	cfg.Browser.AcquireTimeoutSecs = 5
	cfg.Limits.MaxCodeBytes = 64 * 1024
	cfg.Limits.MaxImageBytes = 10 * 1024 * 1024
	cfg.Cache.ImageCacheTTL = 10 * time.Minute
	cfg.Cache.RedisHost = "127.0.0.1:6379"
	cfg.Cache.ImageCacheDB = 1
	cfg.RateLimiter.Interval = time.Minute
	return cfg
}

// LoadConfig loads .env, then the YAML file named by CONFIG_PATH
// (config.yaml by default), and stores the result in AppConfig.
func LoadConfig() Config {
	return LoadConfigPath("")
}

// LoadConfigPath is LoadConfig with an explicit file. An empty path falls
// back to CONFIG_PATH, then config.yaml.
func LoadConfigPath(path string) Config {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultConfigPath
	}
	AppConfig = LoadFrom(path)
	return AppConfig
}

// LoadFrom reads the YAML file at path on top of DefaultConfig and applies
// environment overrides. A missing file yields the defaults. It panics on
// unreadable files and invalid values.
func LoadFrom(path string) Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		panic(fmt.Sprintf("config: read %s: %v", path, err))
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic(fmt.Sprintf("config: parse %s: %v", path, err))
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// GetConfig returns the configuration stored by LoadConfig.
func GetConfig() Config {
	return AppConfig
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(WaitEnvVar); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			panic(fmt.Sprintf("config: %s must be a whole number of seconds, got %q", WaitEnvVar, v))
		}
		cfg.Browser.WaitSecs = secs
	}
	// Common container env var for the browser binary.
	if cfg.Browser.DriverPath == "" {
		if v := os.Getenv("CHROME_BIN"); v != "" {
			cfg.Browser.DriverPath = v
		}
	}
}

func (cfg Config) validate() error {
	if cfg.Carbon.BaseURL == "" {
		return errors.New("carbon.base_url must not be empty")
	}
	if cfg.Browser.WaitSecs < 0 {
		return fmt.Errorf("browser.wait_secs must not be negative, got %d", cfg.Browser.WaitSecs)
	}
	switch cfg.Browser.WaitMode {
	case "", "fixed", "download":
	default:
		return fmt.Errorf("browser.wait_mode must be fixed or download, got %q", cfg.Browser.WaitMode)
	}
	if cfg.Browser.ActionTimeoutSecs < 0 || cfg.Browser.AcquireTimeoutSecs < 0 {
		return errors.New("browser timeouts must not be negative")
	}
	if cfg.Limits.MaxCodeBytes < 0 || cfg.Limits.MaxImageBytes < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		return fmt.Errorf("rate_limiter.user_limit must not be negative, got %d", cfg.RateLimiter.UserLimit)
	}
	if cfg.RateLimiter.UserLimit > 0 && cfg.RateLimiter.Interval <= 0 {
		return errors.New("rate_limiter.interval must be positive when user_limit is set")
	}
	return nil
}

// Wait is the post-export grace period.
func (b BrowserConfig) Wait() time.Duration {
	return time.Duration(b.WaitSecs) * time.Second
}

// ActionTimeout bounds navigation and each element click. Zero leaves the
// choice to the browser driver's default.
func (b BrowserConfig) ActionTimeout() time.Duration {
	return time.Duration(b.ActionTimeoutSecs) * time.Second
}

// AcquireTimeout bounds how long a request waits for the render slot.
func (b BrowserConfig) AcquireTimeout() time.Duration {
	if b.AcquireTimeoutSecs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.AcquireTimeoutSecs) * time.Second
}
