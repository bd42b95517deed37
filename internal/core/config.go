package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Account keys never live here;
// they are merged in from secrets.env or the environment.
type Config struct {
	Backend string `yaml:"backend"`

	Batch struct {
		Endpoint string `yaml:"endpoint"`
		Account  string `yaml:"account"`
		Token    string `yaml:"-"`
	} `yaml:"batch"`

	Pool struct {
		ID          string `yaml:"id"`
		VMSize      string `yaml:"vm_size"`
		VMCount     int    `yaml:"vm_count"`
		OSPublisher string `yaml:"os_publisher"`
		OSOffer     string `yaml:"os_offer"`
	} `yaml:"pool"`

	Job struct {
		IDPrefix     string `yaml:"id_prefix"`
		TaskCount    int    `yaml:"task_count"`
		Command      string `yaml:"command"`
		ResourceFile string `yaml:"resource_file"`
		RemotePath   string `yaml:"remote_path"`
	} `yaml:"job"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`
		Account   string `yaml:"account"`
		Container string `yaml:"container"`
		Key       string `yaml:"-"`
	} `yaml:"storage"`

	Timeouts struct {
		PoolSteady   time.Duration `yaml:"pool_steady"`
		VMReady      time.Duration `yaml:"vm_ready"`
		Completion   time.Duration `yaml:"completion"`
		PollInterval time.Duration `yaml:"poll_interval"`
		SkipIdleWait bool          `yaml:"skip_idle_wait"`
	} `yaml:"timeouts"`

	Cleanup struct {
		Job       bool `yaml:"job"`
		Pool      bool `yaml:"pool"`
		Container bool `yaml:"container"`
	} `yaml:"cleanup"`

	SSHFleet struct {
		Hosts []SSHHost `yaml:"hosts"`
	} `yaml:"sshfleet"`

	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`

	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`

	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// SSHHost is one pre-existing host the sshfleet backend treats as a node.
type SSHHost struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// DefaultConfig returns the documented defaults: 10s poll cadence, 5m
// pool-steady, 20m node-ready, 5m completion; job and pool are cleaned
// up, the storage container is kept.
func DefaultConfig() Config {
	var cfg Config
	cfg.Backend = "rest"
	cfg.Pool.VMSize = "standard-a1-v2"
	cfg.Pool.VMCount = 1
	cfg.Job.IDPrefix = "poolforge-job"
	cfg.Job.TaskCount = 5
	cfg.Job.Command = "cat {file}"
	cfg.Job.RemotePath = "resources/input.txt"
	cfg.Timeouts.PoolSteady = 5 * time.Minute
	cfg.Timeouts.VMReady = 20 * time.Minute
	cfg.Timeouts.Completion = 5 * time.Minute
	cfg.Timeouts.PollInterval = 10 * time.Second
	cfg.Cleanup.Job = true
	cfg.Cleanup.Pool = true
	cfg.Cleanup.Container = false
	return cfg
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/poolforge/config.yaml or
// ~/.config/poolforge/config.yaml. Unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "poolforge", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	// Merge secrets from secrets.env if present so keys stay out of YAML.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("BATCH_TOKEN"); v != "" {
		secrets["BATCH_TOKEN"] = v
	}
	if v := os.Getenv("STORAGE_ACCOUNT_KEY"); v != "" {
		secrets["STORAGE_ACCOUNT_KEY"] = v
	}
	if t, ok := secrets["BATCH_TOKEN"]; ok && t != "" {
		cfg.Batch.Token = t
	}
	if k, ok := secrets["STORAGE_ACCOUNT_KEY"]; ok && k != "" {
		cfg.Storage.Key = k
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.ID == "" {
		return fmt.Errorf("config: pool.id is required")
	}
	if c.Pool.VMCount <= 0 {
		return fmt.Errorf("config: pool.vm_count must be positive, got %d", c.Pool.VMCount)
	}
	if c.Job.TaskCount < 0 {
		return fmt.Errorf("config: job.task_count must not be negative, got %d", c.Job.TaskCount)
	}
	if c.Timeouts.PollInterval <= 0 {
		return fmt.Errorf("config: timeouts.poll_interval must be positive")
	}
	return nil
}
