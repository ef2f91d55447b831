// Package config loads runtime configuration from a file and the
// environment. Env var overrides use the TELECORE_ prefix.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Accounts AccountsConfig
	Engine   EngineConfig
	Provider ProviderConfig
	Log      LogConfig
}

// AccountsConfig holds account registry persistence settings.
type AccountsConfig struct {
	Path string
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	BridgeTimeout time.Duration
}

// ProviderConfig holds simulated backend settings.
type ProviderConfig struct {
	RingTimeout time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from an optional .env file, a config file and the
// environment. Missing files are not an error; defaults apply.
func Load() (Config, error) {
	// .env is a developer convenience; absence is normal.
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("accounts.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "telecore", "accounts.json"))
	v.SetDefault("engine.bridge_timeout", "10s")
	v.SetDefault("provider.ring_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("TELECORE_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "telecore"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TELECORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return c, nil
}
