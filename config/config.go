// Package config loads gateway settings from a config file and the
// KARTGATE_* environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime configuration of the gateway.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	DatabasePath string `mapstructure:"database_path"`
	LogLevel     string `mapstructure:"log_level"`

	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	BackoffInitial       time.Duration `mapstructure:"backoff_initial"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	MaxReconnectAttempts uint64        `mapstructure:"max_reconnect_attempts"`
}

// Load reads kartgate.yaml from the working directory (or cfgFile if
// given) and overlays KARTGATE_* environment variables. All settings
// have working defaults; a missing config file is fine.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_path", "kartgate.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("backoff_initial", 5*time.Second)
	v.SetDefault("backoff_max", 60*time.Second)
	v.SetDefault("max_reconnect_attempts", 10)

	v.SetEnvPrefix("KARTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kartgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
