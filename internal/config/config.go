package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabasePath  string `mapstructure:"DATABASE_PATH"`
	GenerationURL string `mapstructure:"GENERATION_URL"`

	RemoteURL   string `mapstructure:"REMOTE_URL"`
	RemoteToken string `mapstructure:"REMOTE_TOKEN"`
	RemoteTier  string `mapstructure:"REMOTE_TIER"`

	HubAddr   string `mapstructure:"HUB_ADDR"`
	NotifyDir string `mapstructure:"NOTIFY_DIR"`

	FlushIntervalMs  int `mapstructure:"FLUSH_INTERVAL_MS"`
	NotifyDebounceMs int `mapstructure:"NOTIFY_DEBOUNCE_MS"`
	SyncDebounceMs   int `mapstructure:"SYNC_DEBOUNCE_MS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("DATABASE_PATH", "data/loomchat.db")
	viper.SetDefault("GENERATION_URL", "http://localhost:8080/completion")
	viper.SetDefault("REMOTE_URL", "")
	viper.SetDefault("REMOTE_TOKEN", "")
	viper.SetDefault("REMOTE_TIER", "anonymous")
	viper.SetDefault("HUB_ADDR", "127.0.0.1:42811")
	viper.SetDefault("NOTIFY_DIR", "")
	viper.SetDefault("FLUSH_INTERVAL_MS", 100)
	viper.SetDefault("NOTIFY_DEBOUNCE_MS", 300)
	viper.SetDefault("SYNC_DEBOUNCE_MS", 800)
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c *Config) NotifyDebounce() time.Duration {
	return time.Duration(c.NotifyDebounceMs) * time.Millisecond
}

func (c *Config) SyncDebounce() time.Duration {
	return time.Duration(c.SyncDebounceMs) * time.Millisecond
}
