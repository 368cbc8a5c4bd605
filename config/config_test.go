package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflows/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageFile, cfg.Storage.Type)
	assert.Equal(t, "flows.json", cfg.Storage.Path)
	assert.Equal(t, CredentialsFile, cfg.Credentials.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Flows.Debounce.Std())
}

func TestLoaderFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "nodeflows.json",
			content: `{
				"storage": {"type": "blob", "url": "mem://flows"},
				"log": {"level": "debug"},
				"flows": {"debounce": "2s"}
			}`,
		},
		{
			name: "yaml",
			file: "nodeflows.yaml",
			content: `
storage:
  type: blob
  url: mem://flows
log:
  level: debug
flows:
  debounce: 2s
`,
		},
		{
			name: "toml",
			file: "nodeflows.toml",
			content: `
[storage]
type = "blob"
url = "mem://flows"

[log]
level = "debug"

[flows]
debounce = "2s"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewLoader().LoadFile(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, StorageBlob, cfg.Storage.Type)
			assert.Equal(t, "mem://flows", cfg.Storage.URL)
			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, 2*time.Second, cfg.Flows.Debounce.Std())

			// untouched sections keep their defaults
			assert.Equal(t, "json", cfg.Log.Format)
			assert.Equal(t, "flows_cred.json", cfg.Credentials.Path)
			assert.True(t, cfg.Storage.Backup)
		})
	}
}

func TestLoaderLayers(t *testing.T) {
	base := writeFile(t, "base.json", `{"metrics": {"enabled": true, "port": 9100}, "log": {"level": "warn"}}`)
	override := writeFile(t, "override.yaml", "metrics:\n  port: 9200\n")

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9200, cfg.Metrics.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("NODEFLOWS_NATS_URL", "nats://example:4222")
	t.Setenv("NODEFLOWS_STORAGE_TYPE", "kv")
	t.Setenv("NODEFLOWS_METRICS_ENABLED", "true")
	t.Setenv("NODEFLOWS_METRICS_PORT", "9300")
	t.Setenv("NODEFLOWS_LOG_FORMAT", "")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
	assert.Equal(t, StorageKV, cfg.Storage.Type)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9300, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format, "empty overrides are ignored")
}

func TestLoaderEnvOverrideErrors(t *testing.T) {
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("NODEFLOWS_FLOWS_WATCH", "sometimes")
		_, err := NewLoader().Load()
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("bad port", func(t *testing.T) {
		t.Setenv("NODEFLOWS_METRICS_PORT", "ninety")
		_, err := NewLoader().Load()
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestLoaderRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing", func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.json") }},
		{"extension", func(t *testing.T) string { return writeFile(t, "nodeflows.ini", "a=b") }},
		{"traversal", func(*testing.T) string { return "../../etc/nodeflows.json" }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "bad.json", `{"log": {`) }},
		{"malformed yaml", func(t *testing.T) string { return writeFile(t, "bad.yaml", "log: [unterminated") }},
		{"directory", func(t *testing.T) string {
			dir := filepath.Join(t.TempDir(), "dir.json")
			require.NoError(t, os.Mkdir(dir, 0o755))
			return dir
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestLoaderValidationToggle(t *testing.T) {
	path := writeFile(t, "bad.json", `{"log": {"level": "chatty"}}`)

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)

	l := NewLoader()
	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "chatty", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Type = "sqlite" }},
		{"unknown credential backend", func(c *Config) { c.Credentials.Backend = "vault" }},
		{"file storage without path", func(c *Config) { c.Storage.Path = "" }},
		{"blob storage without url", func(c *Config) { c.Storage.Type = StorageBlob }},
		{"kv storage without nats", func(c *Config) { c.Storage.Type = StorageKV }},
		{"kv credentials without nats", func(c *Config) { c.Credentials.Backend = CredentialsKV }},
		{"secure credentials without path", func(c *Config) {
			c.Credentials.Backend = CredentialsSecure
			c.Credentials.Path = ""
		}},
		{"watch on memory storage", func(c *Config) {
			c.Storage.Type = StorageMemory
			c.Flows.Watch = true
		}},
		{"watch on blob storage", func(c *Config) {
			c.Storage.Type = StorageBlob
			c.Storage.URL = "mem://"
			c.Flows.Watch = true
		}},
		{"negative circuit threshold", func(c *Config) { c.NATS.CircuitThreshold = -1 }},
		{"node logs without nats", func(c *Config) { c.NATS.NodeLogs = true }},
		{"metrics without port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 0
		}},
		{"port out of range", func(c *Config) { c.Metrics.Port = 70000 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestValidateWatchStorage(t *testing.T) {
	cfg := Default()
	cfg.Flows.Watch = true
	require.NoError(t, cfg.Validate())

	cfg.Storage.Type = StorageKV
	cfg.NATS.URL = "nats://localhost:4222"
	require.NoError(t, cfg.Validate())
}

func TestNATSClientTuning(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "tuning.json", `{
		"nats": {
			"url": "nats://localhost:4222",
			"ping_interval": "15s",
			"drain_timeout": "2s",
			"circuit_threshold": 3,
			"max_backoff": "30s"
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.NATS.PingInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.NATS.DrainTimeout.Std())
	assert.Equal(t, int32(3), cfg.NATS.CircuitThreshold)
	assert.Equal(t, 30*time.Second, cfg.NATS.MaxBackoff.Std())
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"
	cfg.Credentials.Key = "blowfish://prod"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "blowfish://prod")
	assert.Contains(t, out, `"password": "***"`)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"150ms"`)))
	assert.Equal(t, 150*time.Millisecond, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, time.Microsecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	data, err := Duration(time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(data))
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)

	got := sc.Get()
	got.Log.Level = "error"
	assert.Equal(t, "info", sc.Get().Log.Level, "Get returns a copy")

	bad := Default()
	bad.Log.Level = "loud"
	require.Error(t, sc.Update(bad))
	require.Error(t, sc.Update(nil))
	assert.Equal(t, "info", sc.Get().Log.Level)

	next := Default()
	next.Log.Level = "debug"
	require.NoError(t, sc.Update(next))
	next.Log.Level = "warn"
	assert.Equal(t, "debug", sc.Get().Log.Level)
}

func TestSafeConfigConcurrentAccess(t *testing.T) {
	sc := NewSafeConfig(Default())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = sc.Get()
		}()
		go func(port int) {
			defer wg.Done()
			cfg := Default()
			cfg.Metrics.Port = port
			assert.NoError(t, sc.Update(cfg))
		}(9000 + i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, sc.Get().Metrics.Port, 9000)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[{"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`+"]]")))
	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}
