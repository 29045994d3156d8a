// Package config holds unbase's process-wide configuration: where the
// embedded store keeps its data and how its background machinery is
// sized, loaded in layers (defaults -> optional YAML file ->
// ApplyDefaults -> Validate).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is unbase's top-level configuration.
type Config struct {
	// BasePath is the root bucket-name prefix for every persisted hash
	// (e.g. "<base>/indexes", "<base>/index/<id>/_id").
	BasePath string `yaml:"base_path"`

	// DBFile is the bbolt file path backing the embedded store.
	DBFile string `yaml:"db_file"`

	// ViewQueueBufSize sizes the single-consumer background queue that
	// serialises view updates.
	ViewQueueBufSize int `yaml:"view_queue_buf_size"`

	// JobPollInterval is defaulted and validated but not read elsewhere:
	// WaitForAllJobs is woken by each job finishing, not by polling.
	JobPollInterval time.Duration `yaml:"job_poll_interval"`
}

// DefaultConfig returns unbase's default configuration.
func DefaultConfig() Config {
	return Config{
		BasePath:         "unbase",
		DBFile:           "unbase.db",
		ViewQueueBufSize: 256,
		JobPollInterval:  250 * time.Millisecond,
	}
}

// ApplyDefaults fills in zero-valued fields with DefaultConfig's values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.BasePath == "" {
		c.BasePath = d.BasePath
	}
	if c.DBFile == "" {
		c.DBFile = d.DBFile
	}
	if c.ViewQueueBufSize == 0 {
		c.ViewQueueBufSize = d.ViewQueueBufSize
	}
	if c.JobPollInterval == 0 {
		c.JobPollInterval = d.JobPollInterval
	}
}

// Validate checks the configuration's invariants.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("config: base_path is required")
	}
	if c.DBFile == "" {
		return fmt.Errorf("config: db_file is required")
	}
	if c.ViewQueueBufSize < 0 {
		return fmt.Errorf("config: view_queue_buf_size must be >= 0")
	}
	if c.JobPollInterval <= 0 {
		return fmt.Errorf("config: job_poll_interval must be positive")
	}
	return nil
}

// Load reads path (if it exists) over DefaultConfig, then applies
// defaults and validates. A missing file is not an error: callers get
// DefaultConfig() back.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
