// Package config loads daemon configuration from a YAML file and
// MAILSYNC_* environment variables, with sane defaults for everything but
// the OAuth application credentials.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type OAuthApp struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	DBPath   string `mapstructure:"db_path"`
	NATSURL  string `mapstructure:"nats_url"`

	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	FetchConns      int           `mapstructure:"fetch_conns"`
	FetchBatchSize  int           `mapstructure:"fetch_batch_size"`
	QuickLoadWindow int           `mapstructure:"quick_load_window"`

	ParseWorkers int           `mapstructure:"parse_workers"`
	ParseQueue   int           `mapstructure:"parse_queue"`
	ParseTimeout time.Duration `mapstructure:"parse_timeout"`

	Google    OAuthApp `mapstructure:"google"`
	Microsoft OAuthApp `mapstructure:"microsoft"`

	LogLevel string `mapstructure:"log_level"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("sync_interval", "30s")
	v.SetDefault("fetch_conns", 4)
	v.SetDefault("fetch_batch_size", 50)
	v.SetDefault("quick_load_window", 50)
	v.SetDefault("parse_workers", 4)
	v.SetDefault("parse_queue", 256)
	v.SetDefault("parse_timeout", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("google.scopes", []string{"https://mail.google.com/"})
	v.SetDefault("microsoft.scopes", []string{"https://graph.microsoft.com/.default", "offline_access"})

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.FetchConns < 1 {
		cfg.FetchConns = 1
	}
	if cfg.FetchBatchSize < 1 {
		cfg.FetchBatchSize = 50
	}
	return &cfg, nil
}
