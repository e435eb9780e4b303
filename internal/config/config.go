// Package config loads and validates the agent's YAML configuration document. It
// decodes strictly - an unrecognized key fails the load loudly rather than being
// silently ignored, the same fail-fast discipline any config loader should apply to its
// own settings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DCS configures the distributed consensus store binding.
type DCS struct {
	Scheme      string        `yaml:"scheme"` // "etcd" today; other bindings documented, not implemented
	Endpoints   string        `yaml:"endpoints"`
	Namespace   string        `yaml:"namespace"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Postgres configures the local database instance.
type Postgres struct {
	Name              string            `yaml:"name"`
	DataDir           string            `yaml:"data_dir"`
	BinDir            string            `yaml:"bin_dir"`
	ListenAddress     string            `yaml:"listen_address"`
	Port              int               `yaml:"port"`
	SuperuserName     string            `yaml:"superuser_name"`
	ReplicationUser   string            `yaml:"replication_user"`
	ReplicationPass   string            `yaml:"replication_password"`
	ConnectionUsers   map[string]string `yaml:"connection_users"`
}

// RestAPI configures the HTTP control surface.
type RestAPI struct {
	ListenAddress string `yaml:"listen_address"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	ListenAddress string `yaml:"listen_address"`
}

// Config is the full, strictly-decoded configuration document.
type Config struct {
	ClusterName          string        `yaml:"cluster_name"`
	LoopWait             time.Duration `yaml:"loop_wait"`
	TTL                  time.Duration `yaml:"ttl"`
	MaximumLagOnFailover int64         `yaml:"maximum_lag_on_failover"`

	DCS        DCS      `yaml:"dcs"`
	Postgresql Postgres `yaml:"postgresql"`
	RestAPI    RestAPI  `yaml:"restapi"`
	Metrics    Metrics  `yaml:"metrics"`
}

// Load reads path, decoding it strictly: an unknown key is a load error, not a
// silent no-op. Defaults are applied after decode, then the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: could not load configuration file %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: could not load configuration file %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LoopWait == 0 {
		cfg.LoopWait = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.MaximumLagOnFailover == 0 {
		cfg.MaximumLagOnFailover = -1
	}
	if cfg.DCS.Namespace == "" {
		cfg.DCS.Namespace = "/haguard"
	}
	if cfg.DCS.DialTimeout == 0 {
		cfg.DCS.DialTimeout = 5 * time.Second
	}
	if cfg.RestAPI.ListenAddress == "" {
		cfg.RestAPI.ListenAddress = "127.0.0.1:8008"
	}
	if cfg.Metrics.ListenAddress == "" {
		cfg.Metrics.ListenAddress = "127.0.0.1:8009"
	}
}

// Validate enforces the cross-field invariants the decision loop depends on.
func (cfg *Config) Validate() error {
	if cfg.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	if cfg.DCS.Endpoints == "" {
		return fmt.Errorf("dcs.endpoints is required")
	}
	if cfg.Postgresql.Name == "" {
		return fmt.Errorf("postgresql.name is required")
	}
	if cfg.Postgresql.DataDir == "" {
		return fmt.Errorf("postgresql.data_dir is required")
	}
	if cfg.TTL < 3*cfg.LoopWait {
		return fmt.Errorf("ttl (%s) must be at least 3x loop_wait (%s)", cfg.TTL, cfg.LoopWait)
	}
	return nil
}

// Store writes cfg back to path as YAML, used by the CLI's `configure` subcommand.
func Store(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
