package flows

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflows/credentials"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
	"github.com/c360/nodeflows/testutil"
	"github.com/c360/nodeflows/typeregistry"
)

// signalRecorder keeps the names of every event published on a bus
type signalRecorder struct {
	mu    sync.Mutex
	names []events.Name
}

func (r *signalRecorder) handle(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, e.Name)
}

func (r *signalRecorder) count(name events.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

func (r *signalRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = nil
}

func (r *signalRecorder) lifecycle() []events.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Name
	for _, n := range r.names {
		if n != events.TypeRegistered {
			out = append(out, n)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	bus      *events.Bus
	registry *typeregistry.Registry
	backend  *credentials.MemoryBackend
	creds    *credentials.Store
	store    *flowstore.MemoryStore
	factory  *testutil.Factory
	signals  *signalRecorder
	logs     *bytes.Buffer
	logger   *slog.Logger
	orch     *Orchestrator
}

// newHarness wires an orchestrator over in-memory collaborators. Every name
// in types is registered with the shared mock factory.
func newHarness(t *testing.T, initial flowstore.Flows, types ...string) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		bus:     events.NewBus(),
		backend: credentials.NewMemoryBackend(),
		store:   flowstore.NewMemoryStore(initial),
		factory: &testutil.Factory{},
		signals: &signalRecorder{},
		logs:    &bytes.Buffer{},
	}
	h.logger = slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.bus.SubscribeAll(h.signals.handle)

	h.registry = typeregistry.New(typeregistry.WithPublisher(h.bus), typeregistry.WithLogger(h.logger))
	h.creds = credentials.NewStore(h.backend, credentials.WithDefinitions(h.registry.CredentialFields))
	for _, name := range types {
		h.register(name, h.factory)
	}

	orch, err := New(h.registry, h.creds, h.bus, WithLogger(h.logger))
	require.NoError(t, err)
	require.NoError(t, orch.Init(h.store))
	h.orch = orch
	return h
}

func (h *harness) register(name string, f *testutil.Factory) {
	h.t.Helper()
	require.NoError(h.t, h.registry.Register(context.Background(), typeregistry.Registration{
		Type:    name,
		Factory: f.New,
	}))
}

func (h *harness) load() {
	h.t.Helper()
	require.NoError(h.t, h.orch.Load(context.Background()))
}

func (h *harness) liveIDs() []string {
	var ids []string
	h.orch.Each(func(n node.Node) { ids = append(ids, n.ID()) })
	sort.Strings(ids)
	return ids
}

// mockConfigStore is a flowstore.Store double
type mockConfigStore struct {
	mock.Mock
}

func (m *mockConfigStore) GetFlows(ctx context.Context) (flowstore.Flows, error) {
	args := m.Called(ctx)
	flows, _ := args.Get(0).(flowstore.Flows)
	return flows, args.Error(1)
}

func (m *mockConfigStore) SaveFlows(ctx context.Context, flows flowstore.Flows) error {
	return m.Called(ctx, flows).Error(0)
}

// mockCredentialStore is a CredentialStore double
type mockCredentialStore struct {
	mock.Mock
}

func (m *mockCredentialStore) Merge(id, nodeType string, fields map[string]any) {
	m.Called(id, nodeType, fields)
}

func (m *mockCredentialStore) Save(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCredentialStore) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCredentialStore) Clean(ctx context.Context, isLive func(id string) bool) error {
	return m.Called(ctx, isLive).Error(0)
}

func (m *mockCredentialStore) Get(id string) map[string]any {
	rec, _ := m.Called(id).Get(0).(map[string]any)
	return rec
}

func (m *mockCredentialStore) Snapshot() map[string]credentials.Record {
	snap, _ := m.Called().Get(0).(map[string]credentials.Record)
	return snap
}

func (m *mockCredentialStore) Restore(snapshot map[string]credentials.Record) {
	m.Called(snapshot)
}
