package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishConsumeAck(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamTasksQueue, GroupWorkers))

	id, err := b.Publish(ctx, StreamTasksQueue, map[string]string{"task_id": "t-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := b.Consume(ctx, StreamTasksQueue, GroupWorkers, "worker-a", 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "t-1", msgs[0].Fields["task_id"])

	require.NoError(t, b.Ack(ctx, StreamTasksQueue, GroupWorkers, msgs[0].ID))
}

func TestMemoryBroker_EachGroupSeesEveryMessage(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.EnsureGroup(ctx, StreamEventsBoard, GroupPM))
	require.NoError(t, b.EnsureGroup(ctx, StreamEventsBoard, GroupReviewers))

	_, err := b.Publish(ctx, StreamEventsBoard, map[string]string{"event": "task_created"})
	require.NoError(t, err)

	pmMsgs, err := b.Consume(ctx, StreamEventsBoard, GroupPM, "pm-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, pmMsgs, 1)

	reviewerMsgs, err := b.Consume(ctx, StreamEventsBoard, GroupReviewers, "rev-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, reviewerMsgs, 1, "a second group must independently observe the same message")
}

func TestMemoryBroker_ConsumeNonBlockingEmpty(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, StreamTasksQueue, GroupWorkers))

	msgs, err := b.Consume(ctx, StreamTasksQueue, GroupWorkers, "worker-a", 1, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestMemoryBroker_ConsumeBlocksUntilPublish(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()
	require.NoError(t, b.EnsureGroup(ctx, StreamTasksQueue, GroupWorkers))

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := b.Consume(ctx, StreamTasksQueue, GroupWorkers, "worker-a", 1, time.Second)
		done <- msgs
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := b.Publish(ctx, StreamTasksQueue, map[string]string{"task_id": "t-2"})
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("consume never observed the published message")
	}
}

func TestMemoryBroker_Trim(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, StreamTasksQueue, map[string]string{"i": string(rune('0' + i))})
		require.NoError(t, err)
	}

	require.NoError(t, b.Trim(ctx, StreamTasksQueue, 3))
	require.Len(t, b.stream(StreamTasksQueue).entries, 3)
}
