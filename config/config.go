// Package config loads and validates HyperKV server configuration from a
// YAML file plus HYPERKV_* environment overrides. Unknown options are
// rejected at decode time; options required by enabled features (TLS
// certificate, auth password) are enforced at validation time.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/hyperkv/hyperkv/kverr"
	"github.com/hyperkv/hyperkv/shard"
	"github.com/hyperkv/hyperkv/storage"
)

// Size is a byte count that accepts human-readable YAML values
// ("512MB", "1GB") as well as plain integers.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(raw)); err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(v.Bytes())
	return nil
}

// Duration is a time span that accepts Go duration strings ("500ms",
// "1h") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Network holds external transport parameters. The core only validates
// them; the protocol collaborator consumes them.
type Network struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	TLSEnabled     bool   `yaml:"tls_enabled"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
}

// Storage tunes persistence.
type Storage struct {
	DataDir             string   `yaml:"data_dir"`
	Backend             string   `yaml:"backend"`
	AOFEnabled          bool     `yaml:"aof_enabled"`
	AOFFsyncPolicy      string   `yaml:"aof_fsync_policy"`
	SnapshotEnabled     bool     `yaml:"snapshot_enabled"`
	SnapshotInterval    Duration `yaml:"snapshot_interval"`
	SnapshotCompression bool     `yaml:"snapshot_compression"`
}

// CRDT selects the clock driving merge timestamps.
type CRDT struct {
	ClockType string `yaml:"clock_type"`
	// GCInterval is handed to the external tombstone-GC collaborator;
	// the core never collects tombstones itself.
	GCInterval Duration `yaml:"gc_interval"`
}

// Cache tunes the per-shard cache managers.
type Cache struct {
	MaxMemory         Size    `yaml:"max_memory"`
	EvictionPolicy    string  `yaml:"eviction_policy"`
	EvictionBatchSize int     `yaml:"eviction_batch_size"`
	MemoryThreshold   float64 `yaml:"memory_threshold"`
}

// TTL tunes the expiration sweepers.
type TTL struct {
	CheckInterval   Duration `yaml:"check_interval"`
	MaxKeysPerCheck int      `yaml:"max_keys_per_check"`
}

// PubSub sizes the notifier.
type PubSub struct {
	MaxChannels              int `yaml:"max_channels"`
	MaxSubscribersPerChannel int `yaml:"max_subscribers_per_channel"`
	MessageBufferSize        int `yaml:"message_buffer_size"`
}

// Security holds knobs for the external auth collaborator.
type Security struct {
	RequireAuth  bool   `yaml:"require_auth"`
	AuthPassword string `yaml:"auth_password"`
}

// Config is the full server configuration.
type Config struct {
	NodeID            string `yaml:"node_id"`
	LogLevel          string `yaml:"log_level"`
	NumShards         int    `yaml:"num_shards"`
	PlacementStrategy string `yaml:"placement_strategy"`

	Network  Network  `yaml:"network"`
	Storage  Storage  `yaml:"storage"`
	CRDT     CRDT     `yaml:"crdt"`
	Cache    Cache    `yaml:"cache"`
	TTL      TTL      `yaml:"ttl"`
	PubSub   PubSub   `yaml:"pubsub"`
	Security Security `yaml:"security"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		NodeID:            "hyperkv-node-1",
		LogLevel:          "info",
		NumShards:         4,
		PlacementStrategy: string(shard.PlacementNUMAAware),
		Network: Network{
			Host:           "0.0.0.0",
			Port:           6379,
			MaxConnections: 10_000,
		},
		Storage: Storage{
			DataDir:             "./data/hyperkv",
			Backend:             string(storage.BackendMemory),
			AOFEnabled:          true,
			AOFFsyncPolicy:      string(storage.FsyncEverySec),
			SnapshotEnabled:     true,
			SnapshotInterval:    Duration(5 * time.Minute),
			SnapshotCompression: true,
		},
		CRDT: CRDT{
			ClockType:  "hlc",
			GCInterval: Duration(time.Hour),
		},
		Cache: Cache{
			MaxMemory:         Size(1 << 30),
			EvictionPolicy:    "lru",
			EvictionBatchSize: 100,
			MemoryThreshold:   0.85,
		},
		TTL: TTL{
			CheckInterval:   Duration(time.Second),
			MaxKeysPerCheck: 100,
		},
		PubSub: PubSub{
			MaxChannels:              100_000,
			MaxSubscribersPerChannel: 1000,
			MessageBufferSize:        1000,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, err, "open config file")
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, kverr.Wrap(kverr.InvalidArgument, err, "parse config file")
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv folds HYPERKV_* overrides into the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("HYPERKV_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("HYPERKV_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HYPERKV_HOST"); v != "" {
		c.Network.Host = v
	}
	if v := os.Getenv("HYPERKV_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Network.Port = port
		}
	}
	if v := os.Getenv("HYPERKV_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("HYPERKV_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
}

var validEvictionPolicies = map[string]bool{
	"lru": true, "lfu": true, "arc": true, "random": true,
	"volatile-lru": true, "volatile-lfu": true,
}

var validClockTypes = map[string]bool{
	"vector": true, "hlc": true, "lamport": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks value ranges and feature-conditional requirements.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, kverr.Newf(kverr.InvalidArgument, format, args...))
	}

	if c.NodeID == "" {
		fail("node_id must not be empty")
	}
	if !validLogLevels[c.LogLevel] {
		fail("invalid log_level %q", c.LogLevel)
	}
	if c.NumShards < 0 {
		fail("num_shards must be >= 0 (0 = auto), got %d", c.NumShards)
	}
	if _, err := shard.ParsePlacement(c.PlacementStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.Network.Port < 1 || c.Network.Port > 65535 {
		fail("network.port %d out of range", c.Network.Port)
	}
	if c.Network.TLSEnabled {
		if c.Network.TLSCertFile == "" {
			fail("network.tls_cert_file is required when TLS is enabled")
		}
		if c.Network.TLSKeyFile == "" {
			fail("network.tls_key_file is required when TLS is enabled")
		}
	}
	if _, err := storage.ParseBackend(c.Storage.Backend); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.AOFEnabled {
		if _, err := storage.ParseFsyncPolicy(c.Storage.AOFFsyncPolicy); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Storage.SnapshotEnabled && c.Storage.SnapshotInterval.Std() <= 0 {
		fail("storage.snapshot_interval must be positive")
	}
	if !validClockTypes[c.CRDT.ClockType] {
		fail("invalid crdt.clock_type %q", c.CRDT.ClockType)
	}
	if !validEvictionPolicies[c.Cache.EvictionPolicy] {
		fail("invalid cache.eviction_policy %q", c.Cache.EvictionPolicy)
	}
	if c.Cache.MemoryThreshold <= 0 || c.Cache.MemoryThreshold > 1 {
		fail("cache.memory_threshold must be in (0, 1], got %v", c.Cache.MemoryThreshold)
	}
	if c.Cache.EvictionBatchSize < 1 {
		fail("cache.eviction_batch_size must be >= 1")
	}
	if c.TTL.CheckInterval.Std() <= 0 {
		fail("ttl.check_interval must be positive")
	}
	if c.Security.RequireAuth && c.Security.AuthPassword == "" {
		fail("security.auth_password is required when auth is enabled")
	}
	return errors.Join(errs...)
}
