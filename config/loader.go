package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/c360/nodeflows/errors"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "NODEFLOWS"

const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatTOML = "toml"
)

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	default:
		return ""
	}
}

// Loader merges configuration layers over the defaults
type Loader struct {
	layers     []string
	envPrefix  string
	validation bool
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  EnvPrefix,
		validation: true,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer appends a file; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load reads every layer, applies environment overrides, and validates
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := readLayer(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func readLayer(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch formatOf(path) {
	case formatJSON:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		err = json.Unmarshal(data, &raw)
	case formatYAML:
		err = yaml.Unmarshal(data, &raw)
	case formatTOML:
		err = toml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// deepMergeMaps merges override into base; nil overrides are ignored
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := result[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NATS_URL":            &cfg.NATS.URL,
		"NATS_NAME":           &cfg.NATS.Name,
		"NATS_USERNAME":       &cfg.NATS.Username,
		"NATS_PASSWORD":       &cfg.NATS.Password,
		"NATS_TOKEN":          &cfg.NATS.Token,
		"STORAGE_TYPE":        &cfg.Storage.Type,
		"STORAGE_PATH":        &cfg.Storage.Path,
		"STORAGE_URL":         &cfg.Storage.URL,
		"STORAGE_BUCKET":      &cfg.Storage.Bucket,
		"CREDENTIALS_BACKEND": &cfg.Credentials.Backend,
		"CREDENTIALS_PATH":    &cfg.Credentials.Path,
		"CREDENTIALS_KEY":     &cfg.Credentials.Key,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
		"TRACING_OUTPUT":      &cfg.Tracing.Output,
	}
	for suffix, target := range strs {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if ok {
			*target = val
		}
	}

	bools := map[string]*bool{
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
		"TRACING_ENABLED": &cfg.Tracing.Enabled,
		"FLOWS_WATCH":     &cfg.Flows.Watch,
	}
	for suffix, target := range bools {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, suffix, err),
				"Loader", "applyEnvOverrides", "parse bool")
		}
		*target = b
	}

	if val, ok, err := l.env("METRICS_PORT"); err != nil {
		return err
	} else if ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_METRICS_PORT: %v", errors.ErrInvalidConfig, l.envPrefix, err),
				"Loader", "applyEnvOverrides", "parse port")
		}
		cfg.Metrics.Port = port
	}
	return nil
}

// env returns a non-empty override for the given suffix
func (l *Loader) env(suffix string) (string, bool, error) {
	key := l.envPrefix + "_" + suffix
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "validate "+key)
	}
	return val, true, nil
}
