// Package config holds the nodeflows host configuration. Files may be JSON,
// YAML or TOML; layers are deep-merged over the defaults and NODEFLOWS_*
// environment variables are applied last.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/c360/nodeflows/errors"
)

// Storage backends for the flow configuration
const (
	StorageFile   = "file"
	StorageKV     = "kv"
	StorageBlob   = "blob"
	StorageMemory = "memory"
)

// Credential backends
const (
	CredentialsFile   = "file"
	CredentialsSecure = "secure"
	CredentialsKV     = "kv"
	CredentialsMemory = "memory"
)

// Config is the complete host configuration
type Config struct {
	NATS        NATSConfig        `json:"nats"`
	Storage     StorageConfig     `json:"storage"`
	Credentials CredentialsConfig `json:"credentials"`
	Metrics     MetricsConfig     `json:"metrics"`
	Tracing     TracingConfig     `json:"tracing"`
	Log         LogConfig         `json:"log"`
	Flows       FlowsConfig       `json:"flows"`
}

// NATSConfig defines the optional NATS connection. An empty URL disables NATS.
type NATSConfig struct {
	URL           string   `json:"url,omitempty"`
	Name          string   `json:"name,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	Timeout       Duration `json:"timeout"`
	PingInterval  Duration `json:"ping_interval,omitempty"`
	DrainTimeout  Duration `json:"drain_timeout,omitempty"`
	// CircuitThreshold is how many failed connects open the circuit breaker
	CircuitThreshold int32    `json:"circuit_threshold,omitempty" validate:"gte=0"`
	MaxBackoff       Duration `json:"max_backoff,omitempty"`
	// EventsPrefix is the subject prefix lifecycle events are mirrored to
	EventsPrefix string `json:"events_prefix,omitempty"`
	// NodeLogs publishes node log notifications to logs.<type>.<id>
	NodeLogs     bool    `json:"node_logs"`
	NodeLogRate  float64 `json:"node_log_rate" validate:"gte=0"`
	NodeLogBurst int     `json:"node_log_burst" validate:"gte=0"`
}

// StorageConfig selects where the flow configuration lives
type StorageConfig struct {
	Type   string `json:"type" validate:"required,oneof=file kv blob memory"`
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
	Backup bool   `json:"backup"`
}

// CredentialsConfig selects where credential records live
type CredentialsConfig struct {
	Backend string `json:"backend" validate:"required,oneof=file secure kv memory"`
	Path    string `json:"path,omitempty"`
	// Key names the scy cipher key for the secure backend
	Key    string `json:"key,omitempty"`
	Bucket string `json:"bucket,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port" validate:"gte=0,lte=65535"`
	Path    string `json:"path,omitempty"`
}

// TracingConfig controls span export
type TracingConfig struct {
	Enabled bool   `json:"enabled"`
	Output  string `json:"output,omitempty"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level  string `json:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" validate:"oneof=json text"`
}

// FlowsConfig controls flow file handling
type FlowsConfig struct {
	Watch    bool     `json:"watch"`
	Debounce Duration `json:"debounce"`
}

// Duration is a time.Duration that reads "30s" style strings or nanoseconds
type Duration time.Duration

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// Std returns the time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
			NodeLogRate:   10,
			NodeLogBurst:  20,
		},
		Storage: StorageConfig{
			Type:   StorageFile,
			Path:   "flows.json",
			Backup: true,
		},
		Credentials: CredentialsConfig{
			Backend: CredentialsFile,
			Path:    "flows_cred.json",
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Flows: FlowsConfig{
			Debounce: Duration(500 * time.Millisecond),
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-section requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "field validation")
	}

	var problems []string
	switch c.Storage.Type {
	case StorageFile:
		if c.Storage.Path == "" {
			problems = append(problems, "storage.path is required for file storage")
		}
	case StorageBlob:
		if c.Storage.URL == "" {
			problems = append(problems, "storage.url is required for blob storage")
		}
	case StorageKV:
		if c.NATS.URL == "" {
			problems = append(problems, "nats.url is required for kv storage")
		}
	}

	switch c.Credentials.Backend {
	case CredentialsFile, CredentialsSecure:
		if c.Credentials.Path == "" {
			problems = append(problems, "credentials.path is required for "+c.Credentials.Backend+" credentials")
		}
	case CredentialsKV:
		if c.NATS.URL == "" {
			problems = append(problems, "nats.url is required for kv credentials")
		}
	}

	if c.Flows.Watch && c.Storage.Type != StorageFile && c.Storage.Type != StorageKV {
		problems = append(problems, "flows.watch requires file or kv storage")
	}
	if c.NATS.NodeLogs && c.NATS.URL == "" {
		problems = append(problems, "nats.node_logs requires nats.url")
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		problems = append(problems, "metrics.port is required when metrics are enabled")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "cross-field validation")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	return &clone
}

// String returns the configuration as JSON with secrets redacted
func (c *Config) String() string {
	redacted := c.Clone()
	for _, s := range []*string{&redacted.NATS.Password, &redacted.NATS.Token, &redacted.Credentials.Key} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}
