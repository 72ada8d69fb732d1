// Package config loads kvsync settings from an optional kvsync.toml or
// kvsync.yaml file with KVSYNC_ environment overrides, and renders them back
// out for `kvsync config init` and `kvsync config show`.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// EnvPrefix prefixes environment overrides, e.g. KVSYNC_CLIENT_URL.
const EnvPrefix = "KVSYNC"

// FileName is the config file name without extension.
const FileName = "kvsync"

// Config is the full kvsync configuration.
type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// ClientConfig configures the replicating client.
type ClientConfig struct {
	URL                   string        `mapstructure:"url"`
	SocketPath            string        `mapstructure:"socket_path"`
	APIPath               string        `mapstructure:"api_path"`
	StorePath             string        `mapstructure:"store_path"`
	QuotaBytes            int64         `mapstructure:"quota_bytes"`
	InitialReconnectDelay time.Duration `mapstructure:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `mapstructure:"max_reconnect_delay"`
	DormantDelay          time.Duration `mapstructure:"dormant_delay"`
	DormantThreshold      int           `mapstructure:"dormant_threshold"`
	BatchDebounce         time.Duration `mapstructure:"batch_debounce"`
	FlushRetryDelay       time.Duration `mapstructure:"flush_retry_delay"`
	HTTPFallbackInterval  time.Duration `mapstructure:"http_fallback_interval"`
	MergeKeys             []string      `mapstructure:"merge_keys"`
	LocalOnlyKeys         []string      `mapstructure:"local_only_keys"`
	ServerOnlyKeys        []string      `mapstructure:"server_only_keys"`
}

// ServerConfig configures the reference server.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	filter := snapshot.DefaultFilterConfig()
	machine := conn.DefaultMachineConfig()
	return &Config{
		Client: ClientConfig{
			URL:                   "http://localhost:8787/",
			SocketPath:            conn.DefaultSocketPath,
			APIPath:               conn.DefaultAPIPath,
			StorePath:             "kvsync-client.db",
			InitialReconnectDelay: machine.InitialDelay,
			MaxReconnectDelay:     machine.MaxDelay,
			DormantDelay:          machine.DormantDelay,
			DormantThreshold:      machine.DormantThreshold,
			BatchDebounce:         150 * time.Millisecond,
			FlushRetryDelay:       250 * time.Millisecond,
			HTTPFallbackInterval:  15 * time.Second,
			MergeKeys:             filter.MergeKeys,
			LocalOnlyKeys:         filter.LocalOnly,
			ServerOnlyKeys:        filter.ServerOnly,
		},
		Server: ServerConfig{
			Addr:   ":8787",
			DBPath: "kvsync-server.db",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration. When path is empty, kvsync.{toml,yaml,yml}
// is searched for in the working directory and $HOME/.config/kvsync, and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range Default().Settings() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "kvsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Client.URL == "" {
		return errors.New("client.url must be set")
	}
	if c.Client.InitialReconnectDelay <= 0 || c.Client.MaxReconnectDelay < c.Client.InitialReconnectDelay {
		return fmt.Errorf("invalid reconnect delays %s..%s", c.Client.InitialReconnectDelay, c.Client.MaxReconnectDelay)
	}
	if c.Client.DormantThreshold < 1 {
		return fmt.Errorf("client.dormant_threshold must be positive, got %d", c.Client.DormantThreshold)
	}
	if _, err := snapshot.NewKeyFilter(c.FilterConfig()); err != nil {
		return err
	}
	return nil
}

// FilterConfig returns the key patterns excluded from synchronization.
func (c *Config) FilterConfig() snapshot.FilterConfig {
	return snapshot.FilterConfig{
		LocalOnly:  c.Client.LocalOnlyKeys,
		ServerOnly: c.Client.ServerOnlyKeys,
		MergeKeys:  c.Client.MergeKeys,
	}
}

// MachineConfig returns the reconnect backoff settings.
func (c *Config) MachineConfig() conn.MachineConfig {
	return conn.MachineConfig{
		InitialDelay:     c.Client.InitialReconnectDelay,
		MaxDelay:         c.Client.MaxReconnectDelay,
		DormantDelay:     c.Client.DormantDelay,
		DormantThreshold: c.Client.DormantThreshold,
	}
}

// Settings flattens c into dotted keys. Durations are rendered as strings so
// the result reads back through Load.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"client.url":                     c.Client.URL,
		"client.socket_path":             c.Client.SocketPath,
		"client.api_path":                c.Client.APIPath,
		"client.store_path":              c.Client.StorePath,
		"client.quota_bytes":             c.Client.QuotaBytes,
		"client.initial_reconnect_delay": c.Client.InitialReconnectDelay.String(),
		"client.max_reconnect_delay":     c.Client.MaxReconnectDelay.String(),
		"client.dormant_delay":           c.Client.DormantDelay.String(),
		"client.dormant_threshold":       c.Client.DormantThreshold,
		"client.batch_debounce":          c.Client.BatchDebounce.String(),
		"client.flush_retry_delay":       c.Client.FlushRetryDelay.String(),
		"client.http_fallback_interval":  c.Client.HTTPFallbackInterval.String(),
		"client.merge_keys":              nonNil(c.Client.MergeKeys),
		"client.local_only_keys":         nonNil(c.Client.LocalOnlyKeys),
		"client.server_only_keys":        nonNil(c.Client.ServerOnlyKeys),
		"server.addr":                    c.Server.Addr,
		"server.db_path":                 c.Server.DBPath,
		"log.file":                       c.Log.File,
		"log.max_size_mb":                c.Log.MaxSizeMB,
		"log.max_backups":                c.Log.MaxBackups,
		"log.max_age_days":               c.Log.MaxAgeDays,
	}
}

// Tree nests Settings by section, the shape written to config files.
func (c *Config) Tree() map[string]map[string]any {
	tree := make(map[string]map[string]any)
	for key, value := range c.Settings() {
		section, name, _ := strings.Cut(key, ".")
		if tree[section] == nil {
			tree[section] = make(map[string]any)
		}
		tree[section][name] = value
	}
	return tree
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
