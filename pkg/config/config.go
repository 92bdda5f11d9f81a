// Package config loads node agent settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config holds everything needed to start a node agent
type Config struct {
	NodeID                string             `yaml:"node_id"`
	NodeName              string             `yaml:"node_name"`
	NodeManagerAddress    string             `yaml:"node_manager_address"`
	Hostname              string             `yaml:"hostname"`
	SocketName            string             `yaml:"socket_name"`
	ObjectStoreSocketName string             `yaml:"object_store_socket_name"`
	NodeManagerPort       int                `yaml:"node_manager_port"`
	ObjectManagerPort     int                `yaml:"object_manager_port"`
	MetricsExportPort     int                `yaml:"metrics_export_port"`
	RuntimeEnvAgentPort   int                `yaml:"runtime_env_agent_port"`
	HeadNode              bool               `yaml:"head_node"`
	Resources             map[string]float64 `yaml:"resources"`
	Labels                map[string]string  `yaml:"labels"`
	MaxPayloadSize        int                `yaml:"max_payload_size"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	GCS         GCSConfig         `yaml:"gcs"`
	Log         LogConfig         `yaml:"log"`
}

// ObjectStoreConfig sizes the in-memory store and its spill area
type ObjectStoreConfig struct {
	CapacityBytes       int64         `yaml:"capacity_bytes"`
	MaxSpillBytes       int64         `yaml:"max_spill_bytes"`
	SpillDir            string        `yaml:"spill_dir"`
	PullTimeout         time.Duration `yaml:"pull_timeout"`
	MinGlobalGCInterval time.Duration `yaml:"min_global_gc_interval"`
}

// GCSConfig points at the etcd cluster that holds cluster metadata
type GCSConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
}

// LogConfig mirrors log.Config
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config suitable for a single local node
func Default() Config {
	return Config{
		NodeManagerAddress: "127.0.0.1",
		SocketName:         "/tmp/burrow/node.sock",
		MetricsExportPort:  9090,
		Resources:          map[string]float64{},
		Labels:             map[string]string{},
		ObjectStore: ObjectStoreConfig{
			CapacityBytes:       1 << 30,
			MaxSpillBytes:       100 << 20,
			SpillDir:            "/tmp/burrow/spill",
			PullTimeout:         30 * time.Second,
			MinGlobalGCInterval: 30 * time.Second,
		},
		GCS: GCSConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and ranges
func (c Config) Validate() error {
	var errs []error

	if c.NodeID != "" {
		if _, err := types.ParseNodeID(c.NodeID); err != nil {
			errs = append(errs, fmt.Errorf("node_id: %w", err))
		}
	}
	if c.NodeManagerAddress == "" {
		errs = append(errs, errors.New("node_manager_address is required"))
	}
	if c.SocketName == "" {
		errs = append(errs, errors.New("socket_name is required"))
	}
	for name, port := range map[string]int{
		"node_manager_port":      c.NodeManagerPort,
		"object_manager_port":    c.ObjectManagerPort,
		"metrics_export_port":    c.MetricsExportPort,
		"runtime_env_agent_port": c.RuntimeEnvAgentPort,
	} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	for name, v := range c.Resources {
		if v < 0 {
			errs = append(errs, fmt.Errorf("resource %s is negative", name))
		}
	}
	if c.MaxPayloadSize < 0 {
		errs = append(errs, errors.New("max_payload_size must not be negative"))
	}
	if c.ObjectStore.CapacityBytes <= 0 {
		errs = append(errs, errors.New("object_store.capacity_bytes must be positive"))
	}
	if c.ObjectStore.MaxSpillBytes <= 0 {
		errs = append(errs, errors.New("object_store.max_spill_bytes must be positive"))
	}
	if c.ObjectStore.SpillDir == "" {
		errs = append(errs, errors.New("object_store.spill_dir is required"))
	}
	if len(c.GCS.Endpoints) == 0 {
		errs = append(errs, errors.New("gcs.endpoints is required"))
	}

	return errors.Join(errs...)
}

// ResolveNodeID returns the configured node id, or a fresh one when unset
func (c Config) ResolveNodeID() (types.NodeID, error) {
	if c.NodeID == "" {
		return types.NewNodeID(), nil
	}
	return types.ParseNodeID(c.NodeID)
}
