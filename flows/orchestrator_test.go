package flows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	nferrors "github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/events"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/node"
	"github.com/c360/nodeflows/testutil"
	"github.com/c360/nodeflows/typeregistry"
)

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
	assert.True(t, nferrors.IsInvalid(err))
}

func TestLoad_BeforeInit(t *testing.T) {
	orch, err := New(typeregistry.New(), nil, nil)
	require.NoError(t, err)

	err = orch.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, nferrors.ErrNotStarted)
	assert.Error(t, orch.Init(nil))
}

func TestLoad_StartsEveryDefinition(t *testing.T) {
	h := newHarness(t, testutil.SimpleFlows("mock"), "mock")
	h.load()

	assert.Equal(t, []string{"n1", "n2", "n3"}, h.liveIDs())
	assert.Nil(t, h.orch.Get("tab1"), "grouping definitions are never instantiated")
	assert.Equal(t, StateRunning, h.orch.State())
	assert.Equal(t, []events.Name{events.NodesStarting, events.NodesStarted}, h.signals.lifecycle())
	assert.Contains(t, h.logs.String(), "Starting flows")

	created := h.factory.Created()
	require.Len(t, created, 3)
	assert.Same(t, h.orch, created[0].Deps.Registrar)
	assert.Equal(t, "tab1", created[0].Def.String("z", ""))
}

func TestLoad_IsIdempotent(t *testing.T) {
	h := newHarness(t, testutil.SimpleFlows("mock"), "mock")
	h.load()
	first := h.factory.Created()
	h.load()

	assert.Equal(t, []string{"n1", "n2", "n3"}, h.liveIDs())
	assert.Equal(t, 3, h.orch.Len())
	assert.Len(t, h.factory.Created(), 6)
	for _, m := range first {
		assert.Equal(t, 1, m.Closed(), "instances from the first load are closed")
	}
}

func TestLoad_EmptyConfiguration(t *testing.T) {
	h := newHarness(t, nil, "mock")
	h.load()

	assert.Equal(t, 0, h.orch.Len())
	assert.Equal(t, StateRunning, h.orch.State())
	assert.Empty(t, h.signals.lifecycle(), "an empty configuration is not started")
	assert.Equal(t, flowstore.Flows{}, h.orch.GetFlows())
}

func TestLoad_GroupingOnlyConfiguration(t *testing.T) {
	h := newHarness(t, testutil.GroupingOnlyFlows())
	h.load()

	assert.Equal(t, 0, h.orch.Len())
	assert.Empty(t, h.orch.MissingTypes())
	assert.Equal(t, []events.Name{events.NodesStarting, events.NodesStarted}, h.signals.lifecycle())
}

func TestLoad_StorageFailureIsLogged(t *testing.T) {
	store := &mockConfigStore{}
	store.On("GetFlows", mock.Anything).Return(nil, errors.New("bucket offline"))

	h := newHarness(t, nil, "mock")
	require.NoError(t, h.orch.Init(store))

	require.NoError(t, h.orch.Load(context.Background()))
	assert.Equal(t, StateUnloaded, h.orch.State())
	assert.Equal(t, 0, h.orch.Len())
	assert.Contains(t, h.logs.String(), "Error loading flows")
	assert.Contains(t, h.logs.String(), "bucket offline")
	store.AssertExpectations(t)
}

func TestLoad_CredentialLoadFailureIsLogged(t *testing.T) {
	creds := &mockCredentialStore{}
	creds.On("Load", mock.Anything).Return(errors.New("decrypt failed"))

	h := newHarness(t, testutil.SimpleFlows("mock"), "mock")
	orch, err := New(h.registry, creds, h.bus, WithLogger(h.logger))
	require.NoError(t, err)
	require.NoError(t, orch.Init(h.store))

	require.NoError(t, orch.Load(context.Background()))
	assert.Equal(t, 0, orch.Len())
	assert.Empty(t, h.factory.Created())
	assert.Contains(t, h.logs.String(), "decrypt failed")
}

func TestGate_WaitsThenStartsOnRegistration(t *testing.T) {
	flows := flowstore.Flows{
		testutil.Def("a", "inject"),
		testutil.Def("b", "unknown-x"),
	}
	h := newHarness(t, flows, "inject")
	h.load()

	assert.Equal(t, []string{"unknown-x"}, h.orch.MissingTypes())
	assert.Equal(t, StateAwaitingTypes, h.orch.State())
	assert.Equal(t, 0, h.orch.Len())
	assert.Empty(t, h.factory.Created())
	assert.Empty(t, h.signals.lifecycle())
	assert.Contains(t, h.logs.String(), "Waiting for missing types to be registered")
	assert.Contains(t, h.logs.String(), "unknown-x")

	h.register("unknown-x", h.factory)

	assert.Equal(t, []string{"a", "b"}, h.liveIDs())
	assert.Empty(t, h.orch.MissingTypes())
	assert.Equal(t, StateRunning, h.orch.State())
	assert.Equal(t, 1, h.signals.count(events.NodesStarting))
	assert.Contains(t, h.logs.String(), "Missing type registered")

	h.register("unrelated", h.factory)
	assert.Equal(t, 1, h.signals.count(events.NodesStarting), "start pass ran exactly once")
	assert.Len(t, h.factory.Created(), 2)
}

func TestGate_MissingSetIsDistinct(t *testing.T) {
	flows := flowstore.Flows{
		testutil.Def("a", "x"),
		testutil.Def("b", "y"),
		testutil.Def("c", "x"),
		testutil.Def("d", "mock"),
		testutil.Def("t", flowstore.TypeTab),
	}
	h := newHarness(t, flows, "mock")
	h.load()

	assert.Equal(t, []string{"x", "y"}, h.orch.MissingTypes())

	h.register("x", h.factory)
	assert.Equal(t, []string{"y"}, h.orch.MissingTypes())
	assert.Equal(t, 0, h.orch.Len(), "still waiting for y")

	h.register("y", h.factory)
	assert.Equal(t, []string{"a", "b", "c", "d"}, h.liveIDs())
}

func TestGate_StopFlowsDisarmsRegistration(t *testing.T) {
	h := newHarness(t, flowstore.Flows{testutil.Def("a", "later")})
	h.load()
	require.Equal(t, StateAwaitingTypes, h.orch.State())

	h.orch.StopFlows(context.Background())
	h.register("later", h.factory)

	assert.Equal(t, 0, h.orch.Len())
	assert.Equal(t, StateUnloaded, h.orch.State())
}

func TestIsolation_FailingConstructionDoesNotStopOthers(t *testing.T) {
	flows := flowstore.Flows{
		testutil.Def("ok1", "mock"),
		testutil.Def("broken", "broken"),
		testutil.Def("panicky", "panicky"),
		testutil.Def("ok2", "mock"),
	}
	h := newHarness(t, flows, "mock")
	h.register("broken", &testutil.Factory{Err: errors.New("bad config")})
	h.register("panicky", &testutil.Factory{Panic: "boom"})
	h.load()

	assert.Equal(t, []string{"ok1", "ok2"}, h.liveIDs())
	assert.Nil(t, h.orch.Get("broken"))
	assert.Nil(t, h.orch.Get("panicky"))
	assert.Equal(t, StateRunning, h.orch.State())
	assert.Contains(t, h.logs.String(), "Failed to create node")
	assert.Contains(t, h.logs.String(), "bad config")
	assert.Contains(t, h.logs.String(), "boom")
}

func TestIsolation_InstanceThatRegisteredThenFailedIsRemoved(t *testing.T) {
	h := newHarness(t, flowstore.Flows{testutil.Def("half", "half"), testutil.Def("ok", "mock")}, "mock")
	require.NoError(t, h.registry.Register(context.Background(), typeregistry.Registration{
		Type: "half",
		Factory: func(def flowstore.NodeDefinition, deps node.Dependencies) (node.Node, error) {
			deps.Registrar.Add(testutil.NewMockNodeFromDefinition(def))
			return nil, errors.New("failed after registering")
		},
	}))
	h.load()

	assert.Equal(t, []string{"ok"}, h.liveIDs())
}

func TestUnregisteredInstanceIsTrackedAndClosed(t *testing.T) {
	h := newHarness(t, flowstore.Flows{testutil.Def("ghost", "ghost")})
	factory := &testutil.Factory{SkipRegister: true}
	h.register("ghost", factory)
	h.load()

	assert.Contains(t, h.logs.String(), "Node did not register itself")
	assert.Equal(t, []string{"ghost"}, h.liveIDs())

	h.orch.StopFlows(context.Background())
	require.Len(t, factory.Created(), 1)
	assert.Equal(t, 1, factory.Last().Closed())
	assert.Equal(t, 0, h.orch.Len())
}

func TestAddGetEach(t *testing.T) {
	var entries []node.LogEntry
	orch, err := New(typeregistry.New(), nil, nil, WithLogSink(func(e node.LogEntry) {
		entries = append(entries, e)
	}))
	require.NoError(t, err)

	first := testutil.NewMockNode("a", "mock")
	second := testutil.NewMockNode("a", "mock")
	other := testutil.NewMockNode("b", "mock")

	orch.Add(first)
	orch.Add(other)
	orch.Add(second)

	assert.Same(t, second, orch.Get("a"), "last write wins")
	assert.Nil(t, orch.Get("missing"))
	assert.Equal(t, 2, orch.Len())

	visited := 0
	orch.Each(func(node.Node) { visited++ })
	assert.Equal(t, 2, visited)

	other.Info("hello %d", 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello 1", entries[0].Message)
	assert.Equal(t, "b", entries[0].NodeID)
}

func TestNodesReadTheirCredentials(t *testing.T) {
	h := newHarness(t, flowstore.Flows{testutil.Def("n1", "mock")}, "mock")
	h.creds.Merge("n1", "mock", map[string]any{"token": "t0k"})
	require.NoError(t, h.creds.Save(context.Background()))

	var seen map[string]any
	h.factory.Configure = func(m *testutil.MockNode) {
		seen = m.Deps.CredentialsFor(m.ID())
	}
	h.load()

	assert.Equal(t, map[string]any{"token": "t0k"}, seen)
}

func TestStart_CleansOrphanedCredentials(t *testing.T) {
	h := newHarness(t, flowstore.Flows{testutil.Def("n1", "mock"), testutil.Def("bad", "broken")}, "mock")
	h.register("broken", &testutil.Factory{Err: errors.New("nope")})
	h.creds.Merge("n1", "mock", map[string]any{"k": "1"})
	h.creds.Merge("bad", "broken", map[string]any{"k": "2"})
	h.creds.Merge("gone", "mock", map[string]any{"k": "3"})
	require.NoError(t, h.creds.Save(context.Background()))

	h.load()

	assert.Equal(t, []string{"n1"}, h.creds.IDs())
	saved, err := h.backend.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}
