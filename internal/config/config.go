// Package config loads consolesync settings from a config file, CONSOLESYNC_*
// environment variables and command-line flags, in increasing precedence.
//
// Config files are looked up as config.yaml or config.toml under
// $XDG_CONFIG_HOME/consolesync (or ~/.config/consolesync) unless a path is
// given explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CONSOLESYNC_BASE_URL.
const EnvPrefix = "CONSOLESYNC"

// Config holds every consolesync setting.
type Config struct {
	// BaseURL is the backend root (default: http://localhost:8080)
	BaseURL string `mapstructure:"base_url"`

	// CSRFToken is sent with every request (default: none)
	CSRFToken string `mapstructure:"csrf_token"`

	// FeedURL is the change stream endpoint (default: BaseURL with a ws
	// scheme and /event path)
	FeedURL string `mapstructure:"feed_url"`

	// PageCount is the page size of every store (default: 50)
	PageCount int `mapstructure:"page_count"`

	// Timeout bounds each backend request (default: 60s)
	Timeout time.Duration `mapstructure:"timeout"`

	// CachePath is the snapshot database (default: ~/.cache/consolesync/snapshots.db)
	CachePath string `mapstructure:"cache_path"`

	// LogFile receives rotated logs (default: none)
	LogFile string `mapstructure:"log_file"`

	// LogLevel is info or quiet (default: info). Reloaded on config change.
	LogLevel string `mapstructure:"log_level"`

	// MetricsAddr serves /metrics while watching (default: disabled)
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		BaseURL:   "http://localhost:8080",
		PageCount: 50,
		Timeout:   60 * time.Second,
		CachePath: filepath.Join(cacheDir(), "snapshots.db"),
		LogLevel:  "info",
	}
}

// Dir returns the directory searched for config files.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "consolesync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "consolesync")
	}
	return "."
}

func cacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "consolesync")
	}
	return ".consolesync"
}

// Loader reads and watches configuration.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. path may be empty to search Dir(). flags may
// be nil; otherwise each flag whose name matches a key (with dashes, e.g.
// --base-url) overrides it when set.
func NewLoader(path string, flags *pflag.FlagSet) (*Loader, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("base_url", def.BaseURL)
	v.SetDefault("csrf_token", def.CSRFToken)
	v.SetDefault("feed_url", def.FeedURL)
	v.SetDefault("page_count", def.PageCount)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("cache_path", def.CachePath)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
	}

	if flags != nil {
		for _, key := range v.AllKeys() {
			if flag := flags.Lookup(strings.ReplaceAll(key, "_", "-")); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// File returns the config file in use, or "" if none was found.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Load decodes the current settings.
func (l *Loader) Load() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the reloaded settings whenever the config file
// changes. Invalid edits are reported through onError and otherwise ignored.
func (l *Loader) Watch(fn func(*Config), onError func(error)) {
	if l.File() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if c.PageCount <= 0 {
		return fmt.Errorf("page_count must be positive, got %d", c.PageCount)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	switch c.LogLevel {
	case "info", "quiet":
	default:
		return fmt.Errorf("log_level must be info or quiet, got %q", c.LogLevel)
	}
	return nil
}

// EventURL returns the change stream endpoint.
func (c *Config) EventURL() string {
	if c.FeedURL != "" {
		return c.FeedURL
	}
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/event"
}

// fileConfig is the on-disk TOML layout written by WriteTOML.
type fileConfig struct {
	BaseURL     string `toml:"base_url"`
	CSRFToken   string `toml:"csrf_token,omitempty"`
	FeedURL     string `toml:"feed_url,omitempty"`
	PageCount   int    `toml:"page_count"`
	Timeout     string `toml:"timeout"`
	CachePath   string `toml:"cache_path"`
	LogFile     string `toml:"log_file,omitempty"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr,omitempty"`
}

// WriteTOML writes cfg to path. It refuses to overwrite an existing file
// unless force is set.
func WriteTOML(path string, cfg *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	out := fileConfig{
		BaseURL:     cfg.BaseURL,
		CSRFToken:   cfg.CSRFToken,
		FeedURL:     cfg.FeedURL,
		PageCount:   cfg.PageCount,
		Timeout:     cfg.Timeout.String(),
		CachePath:   cfg.CachePath,
		LogFile:     cfg.LogFile,
		LogLevel:    cfg.LogLevel,
		MetricsAddr: cfg.MetricsAddr,
	}
	if err := toml.NewEncoder(f).Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
