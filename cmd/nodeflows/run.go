package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/nodeflows/builtin"
	"github.com/c360/nodeflows/config"
	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flows"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/health"
	"github.com/c360/nodeflows/metric"
	"github.com/c360/nodeflows/natsclient"
	"github.com/c360/nodeflows/node"
	"github.com/c360/nodeflows/tracing"
	"github.com/c360/nodeflows/typeregistry"
)

const shutdownTimeout = 30 * time.Second

// host owns every long-lived component of a running process
type host struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metric.MetricsRegistry
	health   *health.Checker
	bus      *events.Bus
	registry *typeregistry.Registry
	creds    *credentials.Store
	store    flowstore.Store
	orch     *flows.Orchestrator

	// cleanup runs in reverse order on shutdown
	cleanup []func(ctx context.Context)
}

func (h *host) onShutdown(fn func(ctx context.Context)) {
	h.cleanup = append(h.cleanup, fn)
}

func (h *host) shutdown(ctx context.Context) {
	for i := len(h.cleanup) - 1; i >= 0; i-- {
		h.cleanup[i](ctx)
	}
	h.cleanup = nil
}

// runHost starts the host and blocks until ctx is cancelled
func runHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	h := &host{cfg: cfg, logger: logger}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.shutdown(shutdownCtx)
	}()

	if err := h.start(ctx); err != nil {
		return err
	}

	logger.Info("nodeflows started", "state", h.orch.State().String(), "nodes", h.orch.Len())
	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

func (h *host) start(ctx context.Context) error {
	cfg, logger := h.cfg, h.logger

	h.metrics = metric.NewMetricsRegistry()
	core := h.metrics.CoreMetrics()
	core.BuildInfo.WithLabelValues(Version).Set(1)
	h.health = health.NewChecker(appName)

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, h.metrics)
		server.Handle("/health", h.health.Handler())
		if err := server.Start(); err != nil {
			return err
		}
		logger.Info("Metrics server listening", "address", server.Address())
		h.onShutdown(func(ctx context.Context) {
			if err := server.Stop(ctx); err != nil {
				logger.Warn("Failed to stop metrics server", "error", err)
			}
		})
	}

	if cfg.Tracing.Enabled {
		stop, err := tracing.Init(appName, Version, cfg.Tracing.Output)
		if err != nil {
			return err
		}
		h.onShutdown(func(ctx context.Context) {
			if err := stop(ctx); err != nil {
				logger.Warn("Failed to flush traces", "error", err)
			}
		})
	}

	client, err := connectNATS(ctx, cfg.NATS, logger, func(connected bool) {
		if connected {
			core.NATSConnected.Set(1)
		} else {
			core.NATSConnected.Set(0)
		}
	})
	if err != nil {
		return err
	}
	if client != nil {
		core.NATSConnected.Set(1)
		h.health.Register("nats", func(context.Context) health.Status {
			return natsHealth(client)
		})
		h.onShutdown(func(ctx context.Context) {
			core.NATSConnected.Set(0)
			if err := client.Close(ctx); err != nil {
				logger.Warn("Failed to close NATS connection", "error", err)
			}
		})
	}

	h.bus = events.NewBus(events.WithLogger(logger))
	if client != nil {
		bridge := events.NewNATSBridge(h.bus, client, cfg.NATS.EventsPrefix, logger)
		h.onShutdown(func(context.Context) { bridge.Close() })
	}

	h.registry = typeregistry.New(typeregistry.WithPublisher(h.bus), typeregistry.WithLogger(logger))

	backend, err := openCredentialBackend(ctx, cfg.Credentials, client)
	if err != nil {
		return err
	}
	h.creds = credentials.NewStore(backend,
		credentials.WithDefinitions(h.registry.CredentialFields),
		credentials.WithLogger(logger))

	store, closeStore, err := openFlowStore(ctx, cfg.Storage, client)
	if err != nil {
		return err
	}
	h.store = store
	h.onShutdown(func(context.Context) {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close flow store", "error", err)
		}
	})

	sink := node.SlogSink(logger)
	if cfg.NATS.NodeLogs && client != nil {
		natsSink := node.NewNATSLogSink(client, cfg.NATS.NodeLogRate, cfg.NATS.NodeLogBurst, logger)
		sink = node.Tee(sink, natsSink.Handle)
		// every stop closes the whole live table
		unsubscribe := h.bus.Subscribe(events.NodesStopped, func(context.Context, events.Event) {
			natsSink.Prune(func(string) bool { return false })
		})
		h.onShutdown(func(context.Context) { unsubscribe() })
	}

	h.orch, err = flows.New(h.registry, h.creds, h.bus,
		flows.WithLogger(logger),
		flows.WithLogSink(sink),
		flows.WithMetrics(h.metrics))
	if err != nil {
		return err
	}
	if err := h.orch.Init(h.store); err != nil {
		return err
	}
	h.onShutdown(h.orch.Close)
	h.health.Register("flows", h.flowsHealth)

	if err := builtin.RegisterAll(ctx, h.registry); err != nil {
		return err
	}
	if err := h.orch.Load(ctx); err != nil {
		return err
	}

	if cfg.Flows.Watch {
		return h.watch(ctx)
	}
	return nil
}

func natsHealth(client *natsclient.Client) health.Status {
	switch status := client.Status(); status {
	case natsclient.StatusConnected:
		return health.NewHealthy("nats", "connected")
	case natsclient.StatusCircuitOpen:
		return health.NewUnhealthy("nats", fmt.Errorf("%w: circuit open, retry in %s", errors.ErrNotConnected, client.Backoff()))
	default:
		return health.NewUnhealthy("nats", fmt.Errorf("%w: %s", errors.ErrNotConnected, status))
	}
}

// flowsHealth is degraded while the orchestrator is not running its flows
func (h *host) flowsHealth(context.Context) health.Status {
	switch state := h.orch.State(); state {
	case flows.StateRunning:
		return health.NewHealthy("flows", fmt.Sprintf("%d nodes running", h.orch.Len()))
	case flows.StateAwaitingTypes:
		return health.NewDegraded("flows", "waiting for types: "+strings.Join(h.orch.MissingTypes(), ", "))
	default:
		return health.NewDegraded("flows", state.String())
	}
}

// watch reloads the flows whenever the local flows file or the KV key changes
func (h *host) watch(ctx context.Context) error {
	reloads := h.metrics.CoreMetrics().ConfigReloads
	reload := func(ctx context.Context) {
		if err := h.orch.Reload(ctx); err != nil {
			reloads.WithLabelValues("error").Inc()
			h.logger.Error("Failed to reload flows", "error", err)
			return
		}
		reloads.WithLabelValues("success").Inc()
		h.logger.Info("Flows reloaded", "nodes", h.orch.Len())
	}

	if kv, ok := h.store.(*flowstore.KVStore); ok {
		return kv.Watch(ctx, h.logger, reload)
	}

	path, ok := watchablePath(h.cfg.Storage)
	if !ok {
		h.logger.Warn("Flows file is not local, watch disabled", "path", h.cfg.Storage.Path)
		return nil
	}
	return flowstore.NewWatcher(path, h.cfg.Flows.Debounce.Std(), h.logger).Watch(ctx, reload)
}
