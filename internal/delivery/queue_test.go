package delivery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentkeep/broker/internal/delivery"
)

func TestMemoryQueue_CapacityBound(t *testing.T) {
	q := delivery.NewMemoryQueue(2)
	ctx := context.Background()

	ok, err := q.TryPush(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TryPush(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.TryPush(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: 3})
	require.NoError(t, err)
	assert.False(t, ok, "third push should be rejected once the queue is at capacity")

	depth, err := q.Depth(ctx, "device-b")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestMemoryQueue_FIFOOrder(t *testing.T) {
	q := delivery.NewMemoryQueue(4)
	ctx := context.Background()

	for _, seq := range []uint64{1, 2, 3} {
		ok, err := q.TryPush(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: seq})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, want := range []uint64{1, 2, 3} {
		n, ok, err := q.Pop(ctx, "device-b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, n.Sequence)
	}

	_, ok, err := q.Pop(ctx, "device-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryQueue_TryPushFrontBypassesCapacity(t *testing.T) {
	q := delivery.NewMemoryQueue(1)
	ctx := context.Background()

	ok, err := q.TryPush(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: 1})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.TryPushFront(ctx, "device-b", delivery.Notification{RelationshipID: "r1", Sequence: 0}))

	n, ok, err := q.Pop(ctx, "device-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), n.Sequence, "requeued item must be redelivered first")
}

func TestMemoryQueue_Drain(t *testing.T) {
	q := delivery.NewMemoryQueue(8)
	ctx := context.Background()

	require.NoError(t, mustPush(q, ctx, "device-b", "r1", 1))
	require.NoError(t, mustPush(q, ctx, "device-b", "r2", 1))
	require.NoError(t, mustPush(q, ctx, "device-c", "r1", 2))

	drained, err := q.Drain(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, drained, 2)

	depthB, err := q.Depth(ctx, "device-b")
	require.NoError(t, err)
	assert.Equal(t, 1, depthB, "r2's notification for device-b must survive the drain")

	depthC, err := q.Depth(ctx, "device-c")
	require.NoError(t, err)
	assert.Equal(t, 0, depthC)
}

func mustPush(q *delivery.MemoryQueue, ctx context.Context, participant, relationshipID string, seq uint64) error {
	_, err := q.TryPush(ctx, participant, delivery.Notification{RelationshipID: relationshipID, Sequence: seq})
	return err
}
