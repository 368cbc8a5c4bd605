package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/c360/nodeflows/config"
	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/natsclient"
	"github.com/c360/nodeflows/pkg/retry"
)

const credentialsBucket = "nodeflows_credentials"

// connectNATS returns nil when no URL is configured. onState, when set, is
// told about every disconnect and reconnect.
func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger, onState func(connected bool)) (*natsclient.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts := natsOptions(cfg, logger, onState)
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	connect := func() error { return client.Connect(ctx) }
	if err := retry.Do(ctx, retry.Quick(), connect); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func natsOptions(cfg config.NATSConfig, logger *slog.Logger, onState func(connected bool)) []natsclient.ClientOption {
	name := cfg.Name
	if name == "" {
		name = appName
	}
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(natsclient.SlogLogger{Logger: logger}),
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait.Std()))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.Timeout.Std()))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval.Std()))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout.Std()))
	}
	if cfg.CircuitThreshold > 0 {
		opts = append(opts, natsclient.WithCircuitBreakerThreshold(cfg.CircuitThreshold))
	}
	if cfg.MaxBackoff > 0 {
		opts = append(opts, natsclient.WithMaxBackoff(cfg.MaxBackoff.Std()))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if onState != nil {
		opts = append(opts,
			natsclient.WithDisconnectCallback(func(err error) {
				logger.Warn("NATS disconnected", "error", err)
				onState(false)
			}),
			natsclient.WithReconnectCallback(func() { onState(true) }),
		)
	}
	return opts
}

// openFlowStore builds the configured store. The returned close func is never nil.
func openFlowStore(ctx context.Context, cfg config.StorageConfig, client *natsclient.Client) (flowstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case config.StorageMemory:
		return flowstore.NewMemoryStore(nil), noop, nil
	case config.StorageKV:
		store, err := flowstore.NewKVStore(ctx, client, cfg.Bucket, cfg.Key)
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	case config.StorageBlob:
		store, err := flowstore.OpenBlobStore(ctx, cfg.URL, cfg.Key)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := flowstore.NewFileStore(cfg.Path, flowstore.WithBackup(cfg.Backup))
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	}
}

func openCredentialBackend(ctx context.Context, cfg config.CredentialsConfig, client *natsclient.Client) (credentials.Backend, error) {
	switch cfg.Backend {
	case config.CredentialsMemory:
		return credentials.NewMemoryBackend(), nil
	case config.CredentialsSecure:
		return credentials.NewSecureBackend(cfg.Path, cfg.Key)
	case config.CredentialsKV:
		bucket := cfg.Bucket
		if bucket == "" {
			bucket = credentialsBucket
		}
		kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Node credentials",
			History:     1,
		})
		if err != nil {
			return nil, err
		}
		return credentials.NewKVBackend(client.NewKVStore(kv), credentials.DefaultKey), nil
	default:
		return credentials.NewFileBackend(cfg.Path)
	}
}

// watchablePath returns the local path of a file store location, if it has one
func watchablePath(cfg config.StorageConfig) (string, bool) {
	if cfg.Type != config.StorageFile {
		return "", false
	}
	path := cfg.Path
	if strings.HasPrefix(path, "file://") {
		return strings.TrimPrefix(path, "file://"), true
	}
	if strings.Contains(path, "://") {
		return "", false
	}
	return path, true
}
