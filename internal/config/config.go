// Package config loads the daemon's static configuration file,
// grounded on cellorg's yaml.v3-based config loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's top-level configuration.
type Config struct {
	Socket     SocketConfig     `yaml:"socket"`
	Store      StoreConfig      `yaml:"store"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Routing    RoutingConfig    `yaml:"routing"`
	Completion CompletionConfig `yaml:"completion"`
	Resources  ResourceConfig   `yaml:"resources"`
}

type SocketConfig struct {
	Path string `yaml:"path"`
}

type StoreConfig struct {
	Dir string `yaml:"dir"`
}

type MonitorConfig struct {
	RetentionMaxAgeSeconds int `yaml:"retention_max_age_seconds"`
	RetentionMaxKeys       int `yaml:"retention_max_keys"`
	TrimIntervalSeconds    int `yaml:"trim_interval_seconds"`
}

type RoutingConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type CompletionConfig struct {
	ProviderBin  string `yaml:"provider_bin"`
	PoolSize     int    `yaml:"pool_size"`
	DefaultModel string `yaml:"default_model"`
}

type ResourceConfig struct {
	ConnectionQueueDepth int `yaml:"connection_queue_depth"`
	AgentQueueDepth      int `yaml:"agent_queue_depth"`
}

// Default returns the configuration applied when no file is found or
// a loaded file omits a section.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{Path: "/tmp/ksid.sock"},
		Store:  StoreConfig{Dir: "./ksid-data"},
		Monitor: MonitorConfig{
			RetentionMaxAgeSeconds: int((7 * 24 * time.Hour).Seconds()),
			RetentionMaxKeys:       0,
			TrimIntervalSeconds:    60,
		},
		Routing:    RoutingConfig{MaxDepth: 8},
		Completion: CompletionConfig{ProviderBin: "claude", PoolSize: 4, DefaultModel: "sonnet"},
		Resources:  ResourceConfig{ConnectionQueueDepth: 256, AgentQueueDepth: 64},
	}
}

// Load reads and parses a YAML config file, filling any unset section
// with its default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
