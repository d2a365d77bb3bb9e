// Package config loads and watches the runtime configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	NumWorkers     int  `yaml:"num_workers"`     // 0 means GOMAXPROCS
	PinWorkers     bool `yaml:"pin_workers"`     // Pin workers to CPUs (Linux)
	StealThreshold int  `yaml:"steal_threshold"` // Victim queue depth enabling steals
}

// GCConfig tunes the per-actor heaps.
type GCConfig struct {
	YoungGenSize uint32 `yaml:"young_gen_size"` // Nursery bytes per actor
	OldGenSize   uint32 `yaml:"old_gen_size"`   // Old generation bytes per actor
}

// RemoteConfig tunes the QUIC transport for cross-node messaging.
type RemoteConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ListenAddr  string            `yaml:"listen_addr"`  // host:port for inbound peers
	TLSCert     string            `yaml:"tls_cert"`     // PEM certificate path
	TLSKey      string            `yaml:"tls_key"`      // PEM key path
	DialTimeout time.Duration     `yaml:"dial_timeout"` // Per-peer connect budget
	Peers       map[string]string `yaml:"peers"`        // Seed node name -> address
}

// Config is the full runtime configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	GC        GCConfig        `yaml:"gc"`
	Remote    RemoteConfig    `yaml:"remote"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			NumWorkers:     0,
			PinWorkers:     false,
			StealThreshold: 10,
		},
		GC: GCConfig{
			YoungGenSize: 512 * 1024,
			OldGenSize:   8 * 1024 * 1024,
		},
		Remote: RemoteConfig{
			Enabled:     false,
			ListenAddr:  "0.0.0.0:4710",
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load reads a YAML configuration file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks tunables for values the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Scheduler.NumWorkers < 0 {
		return fmt.Errorf("scheduler.num_workers must not be negative, got %d", c.Scheduler.NumWorkers)
	}
	if c.Scheduler.StealThreshold < 0 {
		return fmt.Errorf("scheduler.steal_threshold must not be negative, got %d", c.Scheduler.StealThreshold)
	}
	if c.GC.YoungGenSize == 0 {
		return fmt.Errorf("gc.young_gen_size must be positive")
	}
	if c.GC.OldGenSize < c.GC.YoungGenSize {
		return fmt.Errorf("gc.old_gen_size %d smaller than young_gen_size %d",
			c.GC.OldGenSize, c.GC.YoungGenSize)
	}
	if c.Remote.Enabled {
		if c.Remote.ListenAddr == "" {
			return fmt.Errorf("remote.listen_addr required when remote is enabled")
		}
		if c.Remote.DialTimeout <= 0 {
			return fmt.Errorf("remote.dial_timeout must be positive")
		}
	}
	return nil
}
