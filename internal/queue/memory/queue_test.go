package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/archival-systems/fetcherd/internal/fetch"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, fetch.QueueItem{Job: fetch.Job{ID: id}}))
	}
	require.Equal(t, 3, q.Depth())

	for _, want := range []string{"a", "b", "c"} {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, item.Job.ID)
	}
	require.Zero(t, q.Depth())
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, fetch.QueueItem{Job: fetch.Job{ID: "first"}}))

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blocked, fetch.QueueItem{Job: fetch.Job{ID: "second"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, fetch.QueueItem{Job: fetch.Job{ID: "last"}}))
	q.Close()
	q.Close() // idempotent

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "last", item.Job.ID)

	_, err = q.Dequeue(ctx)
	require.EqualError(t, err, "queue closed")
}
