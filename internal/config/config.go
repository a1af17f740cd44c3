package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the file.
const (
	EnvNodeID    = "BEACON_NODE_ID"
	EnvRedisURL  = "BEACON_REDIS_URL"
	EnvNamespace = "BEACON_NAMESPACE"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportGossip = "gossip"
)

// Binding roles.
const (
	RolePublish   = "publish"
	RoleSubscribe = "subscribe"
)

// DefaultNamespace is used when transport.namespace is omitted.
const DefaultNamespace = "default"

// BeaconConfig represents the top-level beacon.yml configuration
type BeaconConfig struct {
	Version   string          `yaml:"version" toml:"version"`
	Node      NodeConfig      `yaml:"node" toml:"node"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" toml:"heartbeat"`
	Bindings  []Binding       `yaml:"bindings" toml:"bindings"`
	Metrics   *MetricsConfig  `yaml:"metrics,omitempty" toml:"metrics,omitempty"`
}

// NodeConfig identifies the local node. A missing id makes the node anonymous.
type NodeConfig struct {
	ID   *uint16 `yaml:"id,omitempty" toml:"id,omitempty"`
	Name string  `yaml:"name,omitempty" toml:"name,omitempty"`
}

// TransportConfig selects and configures the medium
type TransportConfig struct {
	Kind      string        `yaml:"kind" toml:"kind"` // memory, redis or gossip
	Namespace string        `yaml:"namespace,omitempty" toml:"namespace,omitempty"`
	Redis     *RedisConfig  `yaml:"redis,omitempty" toml:"redis,omitempty"`
	Gossip    *GossipConfig `yaml:"gossip,omitempty" toml:"gossip,omitempty"`
}

type RedisConfig struct {
	URL string `yaml:"url" toml:"url"`
}

type GossipConfig struct {
	Listen          []string `yaml:"listen,omitempty" toml:"listen,omitempty"`
	Bootstrap       []string `yaml:"bootstrap,omitempty" toml:"bootstrap,omitempty"`
	MDNS            bool     `yaml:"mdns,omitempty" toml:"mdns,omitempty"`
	Rendezvous      string   `yaml:"rendezvous,omitempty" toml:"rendezvous,omitempty"`
	IdentityKeyFile string   `yaml:"identity_key_file,omitempty" toml:"identity_key_file,omitempty"`
}

// HeartbeatConfig tunes the liveness publisher. Zero values fall back to the
// node defaults.
type HeartbeatConfig struct {
	Disabled     bool          `yaml:"disabled,omitempty" toml:"disabled,omitempty"`
	Period       time.Duration `yaml:"period,omitempty" toml:"period,omitempty"`
	Priority     string        `yaml:"priority,omitempty" toml:"priority,omitempty"`
	Health       string        `yaml:"health,omitempty" toml:"health,omitempty"`
	Mode         string        `yaml:"mode,omitempty" toml:"mode,omitempty"`
	VendorStatus uint8         `yaml:"vendor_status,omitempty" toml:"vendor_status,omitempty"`
}

// Binding declares one publisher or subscription established at startup
type Binding struct {
	Name    string `yaml:"name" toml:"name"`
	Subject uint16 `yaml:"subject" toml:"subject"`
	Schema  string `yaml:"schema" toml:"schema"`
	Role    string `yaml:"role" toml:"role"` // publish or subscribe

	// Publish only. A zero period means the binding is advertised but
	// nothing is scheduled on it.
	Period   time.Duration `yaml:"period,omitempty" toml:"period,omitempty"`
	Priority string        `yaml:"priority,omitempty" toml:"priority,omitempty"`
	Deadline time.Duration `yaml:"deadline,omitempty" toml:"deadline,omitempty"`
	Payload  string        `yaml:"payload,omitempty" toml:"payload,omitempty"`

	// QueueDepth is the in-flight limit for publishers and the sink depth
	// for subscriptions. Zero selects the default.
	QueueDepth int `yaml:"queue_depth,omitempty" toml:"queue_depth,omitempty"`
}

// MetricsConfig enables the HTTP endpoint serving /healthz and /metrics.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// NodeID returns the configured node ID, or bus.AnonymousNode when unset.
func (c *BeaconConfig) NodeID() bus.NodeID {
	if c.Node.ID == nil {
		return bus.AnonymousNode
	}
	return bus.NodeID(*c.Node.ID)
}

// Validate checks the configuration and fills in defaults. It returns the
// first error encountered.
func (c *BeaconConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Node.ID != nil && bus.NodeID(*c.Node.ID).Anonymous() {
		return fmt.Errorf("node.id %d is reserved for anonymous nodes (omit node.id instead)", *c.Node.ID)
	}

	if err := c.Transport.Validate(); err != nil {
		return err
	}

	if err := c.Heartbeat.Validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Bindings))
	claimed := make(map[uint16]string)
	for i := range c.Bindings {
		b := &c.Bindings[i]
		if b.Name == "" {
			return fmt.Errorf("binding #%d: name is required", i+1)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate binding name '%s'", b.Name)
		}
		names[b.Name] = true

		if err := b.Validate(); err != nil {
			return err
		}

		if b.Role == RolePublish {
			if c.Node.ID == nil {
				return fmt.Errorf("binding '%s': anonymous nodes cannot publish (set node.id)", b.Name)
			}
			schema, _ := dsdl.LookupSchema(b.Schema)
			if bus.SubjectID(b.Subject) == bus.HeartbeatSubject || schema.String() == dsdl.HeartbeatSchema.String() {
				return fmt.Errorf("binding '%s': heartbeats are published by the node itself (see the heartbeat section)", b.Name)
			}
			if other, ok := claimed[b.Subject]; ok {
				return fmt.Errorf("bindings '%s' and '%s' both publish on subject %d", other, b.Name, b.Subject)
			}
			claimed[b.Subject] = b.Name
		}
	}

	if c.Metrics != nil && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when the metrics section is present")
	}

	return nil
}

// Validate checks the transport section and defaults the namespace.
func (t *TransportConfig) Validate() error {
	if t.Namespace == "" {
		t.Namespace = DefaultNamespace
	}
	if strings.ContainsAny(t.Namespace, ":/ ") {
		return fmt.Errorf("transport.namespace %q must not contain ':', '/' or spaces", t.Namespace)
	}

	switch t.Kind {
	case TransportMemory:
	case TransportRedis:
		if t.Redis == nil || t.Redis.URL == "" {
			return fmt.Errorf("transport.redis.url is required for kind 'redis'")
		}
	case TransportGossip:
		if t.Gossip == nil {
			t.Gossip = &GossipConfig{}
		}
	case "":
		return fmt.Errorf("transport.kind is required")
	default:
		return fmt.Errorf("invalid transport.kind: %s (must be 'memory', 'redis' or 'gossip')", t.Kind)
	}
	return nil
}

// Validate checks the heartbeat section.
func (h *HeartbeatConfig) Validate() error {
	if h.Period < 0 {
		return fmt.Errorf("heartbeat.period must be positive, got %s", h.Period)
	}
	if h.Priority != "" {
		if _, err := bus.ParsePriority(h.Priority); err != nil {
			return fmt.Errorf("heartbeat.priority: %w", err)
		}
	}
	if h.Health != "" {
		if _, err := dsdl.ParseHealth(h.Health); err != nil {
			return fmt.Errorf("heartbeat.health: %w", err)
		}
	}
	if h.Mode != "" {
		if _, err := dsdl.ParseMode(h.Mode); err != nil {
			return fmt.Errorf("heartbeat.mode: %w", err)
		}
	}
	return nil
}

// Validate checks a single binding. Errors name the binding.
func (b *Binding) Validate() error {
	subject := bus.SubjectID(b.Subject)
	if !subject.Valid() {
		return fmt.Errorf("binding '%s': subject %d is out of range (max %d)", b.Name, b.Subject, bus.MaxSubjectID)
	}

	if b.Schema == "" {
		return fmt.Errorf("binding '%s': schema is required", b.Name)
	}
	schema, err := dsdl.LookupSchema(b.Schema)
	if err != nil {
		return fmt.Errorf("binding '%s': %w", b.Name, err)
	}
	if !schema.AllowsSubject(subject) {
		return fmt.Errorf("binding '%s': subject %d is reserved and cannot carry %s", b.Name, b.Subject, schema)
	}

	if b.QueueDepth < 0 {
		return fmt.Errorf("binding '%s': queue_depth must be >= 0, got %d", b.Name, b.QueueDepth)
	}

	switch b.Role {
	case RolePublish:
		if b.Period < 0 {
			return fmt.Errorf("binding '%s': period must be positive, got %s", b.Name, b.Period)
		}
		if b.Deadline < 0 {
			return fmt.Errorf("binding '%s': deadline must be positive, got %s", b.Name, b.Deadline)
		}
		if b.Priority != "" {
			if _, err := bus.ParsePriority(b.Priority); err != nil {
				return fmt.Errorf("binding '%s': %w", b.Name, err)
			}
		}
		if b.Period > 0 && schema != dsdl.StringSchema {
			return fmt.Errorf("binding '%s': scheduled publishing is only supported for %s", b.Name, dsdl.StringSchema)
		}
		if b.Payload != "" && len(b.Payload) > dsdl.MaxStringBytes {
			return fmt.Errorf("binding '%s': payload exceeds %d bytes", b.Name, dsdl.MaxStringBytes)
		}
	case RoleSubscribe:
		if b.Period != 0 || b.Payload != "" || b.Deadline != 0 || b.Priority != "" {
			return fmt.Errorf("binding '%s': period, payload, deadline and priority only apply to publish bindings", b.Name)
		}
	case "":
		return fmt.Errorf("binding '%s': role is required", b.Name)
	default:
		return fmt.Errorf("binding '%s': invalid role: %s (must be 'publish' or 'subscribe')", b.Name, b.Role)
	}
	return nil
}

// ApplyEnv overlays BEACON_* environment variables onto the configuration.
func (c *BeaconConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvNodeID); v != "" {
		id, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", EnvNodeID, err)
		}
		id16 := uint16(id)
		c.Node.ID = &id16
	}
	if v := getenv(EnvNamespace); v != "" {
		c.Transport.Namespace = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		if c.Transport.Redis == nil {
			c.Transport.Redis = &RedisConfig{}
		}
		c.Transport.Redis.URL = v
	}
	return nil
}

// FromEnv builds a configuration from BEACON_* variables alone, for commands
// run without a configuration file. BEACON_REDIS_URL selects the redis
// transport; otherwise the node uses the in-process memory transport.
func FromEnv(getenv func(string) string) (*BeaconConfig, error) {
	config := &BeaconConfig{
		Version:   "1.0",
		Transport: TransportConfig{Kind: TransportMemory},
	}
	if err := config.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if config.Transport.Redis != nil {
		config.Transport.Kind = TransportRedis
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Load reads a configuration file, applies environment overrides and
// validates the result. Files ending in .toml are parsed as TOML, everything
// else as YAML.
func Load(path string) (*BeaconConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config BeaconConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
