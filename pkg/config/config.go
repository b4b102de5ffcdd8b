// Package config defines the client-facing configuration surface for
// hyperglide: the "config source" collaborator consumed by the core at
// construction time (SPEC_FULL.md §4.12).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol selects the RESP wire protocol version negotiated on handshake.
type Protocol int

const (
	RESP2 Protocol = iota
	RESP3
)

// ReadFrom selects how read-only commands are routed among a slot's replicas.
type ReadFrom int

const (
	Primary ReadFrom = iota
	PreferReplica
	AzAffinity
	AzAffinityAndPrimary
)

// NodeAddress is a single seed address the client dials at startup.
type NodeAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// TLSConfig controls transport security. The core only reads these flags;
// TLS setup itself is an external collaborator (spec.md §1 out-of-scope).
type TLSConfig struct {
	Enabled  bool `yaml:"enabled"`
	Insecure bool `yaml:"insecure"` // skip certificate verification
}

// ReconnectBackoffConfig mirrors spec.md §3's ReconnectBackoff data model.
// Factor and MaxDelay are YAML-loaded as duration strings (FactorRaw,
// MaxDelayRaw) and resolved by normalize, the same Raw-field/normalize split
// used for ReadFrom and Protocol: yaml.v3 has no built-in notion of a
// duration-suffixed scalar, so the typed time.Duration fields are tagged
// yaml:"-" and filled in after Unmarshal.
type ReconnectBackoffConfig struct {
	NumRetries    int           `yaml:"num_retries"`
	ExponentBase  float64       `yaml:"exponent_base"`
	FactorRaw     string        `yaml:"factor"`
	Factor        time.Duration `yaml:"-"`
	JitterPercent float64       `yaml:"jitter_percent"`
	MaxDelayRaw   string        `yaml:"max_delay"`
	MaxDelay      time.Duration `yaml:"-"`
}

// DefaultReconnectBackoff returns a sane production default.
func DefaultReconnectBackoff() ReconnectBackoffConfig {
	return ReconnectBackoffConfig{
		NumRetries:    5,
		ExponentBase:  2,
		Factor:        100 * time.Millisecond,
		JitterPercent: 0.2,
		MaxDelay:      8 * time.Second,
	}
}

// resolveDuration fills dst from raw when raw is non-empty, leaving dst (the
// DefaultClientConfig value, or a prior normalize pass) untouched otherwise.
func resolveDuration(raw string, dst *time.Duration, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}

// SubscriptionConfig describes channels to (re)subscribe on every new
// connection entering Ready (spec.md §4.2, §4.10).
type SubscriptionConfig struct {
	Exact   []string `yaml:"exact"`
	Pattern []string `yaml:"pattern"`
	Sharded []string `yaml:"sharded"`
}

// ClientConfig is the concrete, YAML-loadable configuration object
// satisfying spec.md §3's ClientConfig data model.
type ClientConfig struct {
	Addresses   []NodeAddress `yaml:"addresses"`
	ClusterMode bool          `yaml:"cluster_mode"`

	TLS TLSConfig `yaml:"tls"`

	RequestTimeoutRaw string        `yaml:"request_timeout"`
	RequestTimeout    time.Duration `yaml:"-"`

	ConnectionTimeoutRaw string        `yaml:"connection_timeout"`
	ConnectionTimeout    time.Duration `yaml:"-"`

	MaxInflightPerClient int `yaml:"max_inflight_per_client"`

	// MaxPendingOperations overrides the process-wide MAX_PENDING_OPERATIONS
	// admission ceiling shared by every Client in the process (spec.md
	// §4.3). 0 leaves the inflight package's built-in default in place.
	MaxPendingOperations int `yaml:"max_pending_operations"`

	ReadFromRaw string   `yaml:"read_from"`
	ReadFrom    ReadFrom `yaml:"-"`
	ClientAZ    string   `yaml:"client_az"`

	DatabaseID int `yaml:"database_id"`

	ProtocolRaw string   `yaml:"protocol"`
	Protocol    Protocol `yaml:"-"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	ClientName string `yaml:"client_name"`

	ReconnectBackoff ReconnectBackoffConfig `yaml:"reconnect_backoff"`

	LazyConnect bool `yaml:"lazy_connect"`

	Subscriptions *SubscriptionConfig `yaml:"subscriptions"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the structured logger (unchanged shape from the
// teacher's own LoggingConfig, carried as ambient stack per SPEC_FULL §9).
type LoggingConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
}

// DefaultClientConfig returns a production-ready default configuration for a
// standalone, eagerly-connected, RESP3 client.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addresses:            []NodeAddress{{Host: "127.0.0.1", Port: 6379}},
		ClusterMode:          false,
		RequestTimeout:       250 * time.Millisecond,
		ConnectionTimeout:    2 * time.Second,
		MaxInflightPerClient: 0, // unbounded
		ReadFrom:             Primary,
		Protocol:             RESP3,
		ReconnectBackoff:     DefaultReconnectBackoff(),
		LazyConnect:          false,
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			BufferSize:    1000,
		},
	}
}

// Load reads a YAML configuration file, applying defaults for unset fields,
// the way the teacher's config.Load reads a YAML node configuration.
func Load(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := normalize(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := normalize(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// normalize resolves the string-typed YAML fields (read_from, protocol,
// and the duration-suffixed timeout/backoff fields) into their typed
// counterparts.
func normalize(c *ClientConfig) error {
	if err := resolveDuration(c.RequestTimeoutRaw, &c.RequestTimeout, "request_timeout"); err != nil {
		return err
	}
	if err := resolveDuration(c.ConnectionTimeoutRaw, &c.ConnectionTimeout, "connection_timeout"); err != nil {
		return err
	}
	if err := resolveDuration(c.ReconnectBackoff.FactorRaw, &c.ReconnectBackoff.Factor, "reconnect_backoff.factor"); err != nil {
		return err
	}
	if err := resolveDuration(c.ReconnectBackoff.MaxDelayRaw, &c.ReconnectBackoff.MaxDelay, "reconnect_backoff.max_delay"); err != nil {
		return err
	}

	switch c.ReadFromRaw {
	case "", "primary":
		c.ReadFrom = Primary
	case "prefer_replica":
		c.ReadFrom = PreferReplica
	case "az_affinity":
		c.ReadFrom = AzAffinity
	case "az_affinity_and_primary":
		c.ReadFrom = AzAffinityAndPrimary
	default:
		return fmt.Errorf("invalid read_from: %q", c.ReadFromRaw)
	}

	switch c.ProtocolRaw {
	case "", "resp3":
		c.Protocol = RESP3
	case "resp2":
		c.Protocol = RESP2
	default:
		return fmt.Errorf("invalid protocol: %q", c.ProtocolRaw)
	}

	return nil
}

// Validate checks invariants on a ClientConfig, surfacing a Config-kind
// error (spec.md §7) on the first violation found.
func (c *ClientConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	for _, addr := range c.Addresses {
		if addr.Host == "" {
			return fmt.Errorf("address host cannot be empty")
		}
		if addr.Port <= 0 || addr.Port > 65535 {
			return fmt.Errorf("address port must be between 1 and 65535, got %d", addr.Port)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout cannot be negative")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection_timeout must be positive")
	}
	if c.MaxInflightPerClient < 0 {
		return fmt.Errorf("max_inflight_per_client cannot be negative")
	}
	if c.MaxPendingOperations < 0 {
		return fmt.Errorf("max_pending_operations cannot be negative")
	}
	if c.DatabaseID < 0 {
		return fmt.Errorf("database_id cannot be negative")
	}
	if c.ReconnectBackoff.NumRetries < 0 {
		return fmt.Errorf("reconnect_backoff.num_retries cannot be negative")
	}
	return nil
}
