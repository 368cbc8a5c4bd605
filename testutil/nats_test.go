package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockNATSClient_PublishDeliversToSubscribers(t *testing.T) {
	ctx := context.Background()
	c := NewMockNATSClient()

	var got [][]byte
	require.NoError(t, c.Subscribe(ctx, "flows.started", func(_ context.Context, data []byte) {
		got = append(got, data)
	}))
	require.NoError(t, c.Subscribe(ctx, "flows.started", func(_ context.Context, data []byte) {
		got = append(got, data)
	}))

	require.NoError(t, c.Publish(ctx, "flows.started", []byte("a")))
	require.NoError(t, c.Publish(ctx, "flows.stopped", []byte("b")))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("a")}, got)
	assert.Equal(t, 1, c.GetMessageCount("flows.stopped"))
	assert.Equal(t, []string{"flows.started", "flows.stopped"}, c.Subjects())
}

func TestMockNATSClient_SubscribeDuringDelivery(t *testing.T) {
	ctx := context.Background()
	c := NewMockNATSClient()

	calls := 0
	require.NoError(t, c.Subscribe(ctx, "s", func(ctx context.Context, _ []byte) {
		calls++
		// handlers added mid-delivery see the next publish only
		_ = c.Subscribe(ctx, "s", func(context.Context, []byte) { calls++ })
	}))

	require.NoError(t, c.Publish(ctx, "s", nil))
	assert.Equal(t, 1, calls)
}

func TestMockNATSClient_Failures(t *testing.T) {
	ctx := context.Background()
	c := NewMockNATSClient()

	boom := errors.New("boom")
	c.FailPublish(boom)
	assert.ErrorIs(t, c.Publish(ctx, "s", nil), boom)
	c.FailPublish(nil)
	require.NoError(t, c.Publish(ctx, "s", nil))

	require.NoError(t, c.Close())
	assert.Error(t, c.Publish(ctx, "s", nil))
	assert.Error(t, c.Subscribe(ctx, "s", func(context.Context, []byte) {}))
}
