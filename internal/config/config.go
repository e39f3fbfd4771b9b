// Package config loads psilo settings from a YAML file, PSILO_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PSILO_LOG_LEVEL
const EnvPrefix = "PSILO"

// Config is the resolved settings tree
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Relays  []string      `mapstructure:"relays"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Signer  SignerConfig  `mapstructure:"signer"`
	NWC     NWCConfig     `mapstructure:"nwc"`
	Zap     ZapConfig     `mapstructure:"zap"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type RelayConfig struct {
	AutoReconnect bool          `mapstructure:"auto_reconnect"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	AllowPrivate  bool          `mapstructure:"allow_private"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
	Prefix   string `mapstructure:"prefix"`
}

// SignerConfig picks the signing identity.
// A private key wins, then an external signer, then a read-only public key.
type SignerConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	PublicKey       string `mapstructure:"public_key"`
	ExternalPackage string `mapstructure:"external_package"`
	ExternalCommand string `mapstructure:"external_command"`
}

type NWCConfig struct {
	URI string `mapstructure:"uri"`
}

type ZapConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	MaxNotes    int `mapstructure:"max_notes"`
	ThreadCache int `mapstructure:"thread_cache"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultRelays is used when no relays are configured
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// SetDefaults registers every key so env overrides resolve through Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("relays", DefaultRelays)
	v.SetDefault("relay.auto_reconnect", true)
	v.SetDefault("relay.dial_timeout", 10*time.Second)
	v.SetDefault("relay.allow_private", false)

	v.SetDefault("cache.backend", "leveldb")
	v.SetDefault("cache.path", defaultCachePath())
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.prefix", "psilo:")

	v.SetDefault("signer.private_key", "")
	v.SetDefault("signer.public_key", "")
	v.SetDefault("signer.external_package", "")
	v.SetDefault("signer.external_command", "")

	v.SetDefault("nwc.uri", "")
	v.SetDefault("zap.timeout", 60*time.Second)

	v.SetDefault("feed.max_notes", 5000)
	v.SetDefault("feed.thread_cache", 500)

	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file into v. An explicit path must exist; otherwise
// psilo.yaml is searched in the working directory and $HOME/.config/psilo.
func Read(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("psilo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "psilo"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the settings held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work together
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory":
	case "leveldb":
		if c.Cache.Path == "" {
			return errors.New("cache.path is required for the leveldb backend")
		}
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	if c.Signer.ExternalPackage != "" {
		if c.Signer.ExternalCommand == "" {
			return errors.New("signer.external_command is required with signer.external_package")
		}
		if c.Signer.PublicKey == "" {
			return errors.New("signer.public_key is required with signer.external_package")
		}
	}

	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return fmt.Errorf("relay %q must use ws:// or wss://", r)
		}
	}

	if c.Zap.Timeout <= 0 {
		return errors.New("zap.timeout must be positive")
	}
	if c.Relay.DialTimeout <= 0 {
		return errors.New("relay.dial_timeout must be positive")
	}
	return nil
}

func defaultCachePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "psilo")
	}
	return filepath.Join(os.TempDir(), "psilo")
}
