package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/queue"
	"pubclient/internal/testutil"
)

func newQueue(t *testing.T, capacity, lowWater int) (*queue.Queue, *testutil.FlowRecorder) {
	t.Helper()

	flow := &testutil.FlowRecorder{}
	q, err := queue.New(capacity, lowWater, flow, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q, flow
}

func push(t *testing.T, q *queue.Queue, msgs ...pub.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, q.Push(context.Background(), m))
	}
}

func TestNew_RejectsInvalidBounds(t *testing.T) {
	_, err := queue.New(0, 0, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = queue.New(4, 4, nil, zap.NewNop())
	assert.Error(t, err)

	q, err := queue.New(1, 0, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Cap())
}

func TestQueue_ReceiveIsFIFO(t *testing.T) {
	q, _ := newQueue(t, 8, 0)
	msgs := testutil.Messages("orders", 0, 0, 5)
	push(t, q, msgs...)

	for _, want := range msgs {
		got, err := q.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_FlowPermitsAreBatched(t *testing.T) {
	q, flow := newQueue(t, 4, 0)
	push(t, q, testutil.Messages("orders", 0, 0, 4)...)

	_, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, flow.Flows(), "a single permit stays below the batch size")
	assert.Equal(t, 1, q.Permits())

	_, err = q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, flow.Flows())
	assert.Equal(t, 0, q.Permits())
}

func TestQueue_BackpressureAndResume(t *testing.T) {
	q, flow := newQueue(t, 4, 1)
	push(t, q, testutil.Messages("orders", 0, 0, 4)...)
	assert.Equal(t, 1, flow.Backpressures())

	for range 2 {
		_, err := q.Receive(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 0, flow.Resumes(), "still above the low water mark")

	_, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flow.Resumes())

	// Refilling signals backpressure again exactly once.
	push(t, q, testutil.Messages("orders", 0, 4, 3)...)
	assert.Equal(t, 2, flow.Backpressures())
}

func TestQueue_PauseWithholdsPermitsAndResume(t *testing.T) {
	q, flow := newQueue(t, 2, 0)
	push(t, q, testutil.Messages("orders", 0, 0, 2)...)
	q.Pause()
	assert.True(t, q.Paused())

	for range 2 {
		_, err := q.Receive(context.Background())
		require.NoError(t, err, "buffered messages drain while paused")
	}
	assert.Empty(t, flow.Flows())
	assert.Equal(t, 0, flow.Resumes(), "resume is deferred while paused")
	assert.Equal(t, 2, q.Permits())

	q.Resume()
	assert.False(t, q.Paused())
	assert.Equal(t, []int{2}, flow.Flows())
	assert.Equal(t, 1, flow.Resumes())

	// A second resume is a no-op.
	q.Resume()
	assert.Equal(t, []int{2}, flow.Flows())
}

func TestQueue_ReturnCreditsDroppedMessages(t *testing.T) {
	q, flow := newQueue(t, 4, 0)

	q.Return(0)
	q.Return(1)
	assert.Empty(t, flow.Flows())

	q.Return(1)
	assert.Equal(t, []int{2}, flow.Flows())

	q.Close()
	q.Return(5)
	assert.Equal(t, []int{2}, flow.Flows())
}

func TestQueue_PushBlocksWhileFull(t *testing.T) {
	q, _ := newQueue(t, 1, 0)
	push(t, q, testutil.Messages("orders", 0, 0, 1)...)

	pushed := make(chan error, 1)
	go func() {
		pushed <- q.Push(context.Background(), testutil.Messages("orders", 0, 1, 1)[0])
	}()

	select {
	case <-pushed:
		t.Fatal("push returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Receive(context.Background())
	require.NoError(t, err)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after receive")
	}
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PushHonoursContext(t *testing.T) {
	q, _ := newQueue(t, 1, 0)
	push(t, q, testutil.Messages("orders", 0, 0, 1)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Push(ctx, testutil.Messages("orders", 0, 1, 1)[0])
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_ReceiveTimeoutAndCancel(t *testing.T) {
	q, _ := newQueue(t, 2, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, pub.ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, pub.ErrTimeout))
}

func TestQueue_CloseWakesWaiters(t *testing.T) {
	q, _ := newQueue(t, 1, 0)

	received := make(chan error, 1)
	go func() {
		_, err := q.Receive(context.Background())
		received <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-received:
		assert.ErrorIs(t, err, pub.ErrConsumerClosed)
	case <-time.After(time.Second):
		t.Fatal("receive not woken by close")
	}

	assert.ErrorIs(t, q.Push(context.Background(), pub.Message{}), pub.ErrQueueClosed)
	select {
	case <-q.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestQueue_DrainReturnsBufferedInOrder(t *testing.T) {
	q, flow := newQueue(t, 4, 0)
	msgs := testutil.Messages("orders", 0, 0, 3)
	push(t, q, msgs...)

	drained := q.Drain()
	require.Len(t, drained, 3)
	for i, m := range drained {
		assert.Equal(t, msgs[i].ID, m.ID)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, flow.Permits(), "drained slots are held until settled")
	assert.Nil(t, q.Drain())

	q.Discard(len(drained))
	assert.Equal(t, 3, flow.Permits())
}

func TestQueue_RestorePutsDrainedBackFirst(t *testing.T) {
	q, flow := newQueue(t, 4, 0)
	msgs := testutil.Messages("orders", 0, 0, 3)
	push(t, q, msgs[:2]...)

	drained := q.Drain()
	push(t, q, msgs[2])
	q.Restore(drained)

	assert.Equal(t, 3, q.Len())
	for _, want := range msgs {
		got, err := q.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	}
	assert.Equal(t, 2, flow.Permits(), "only handouts earn permits")
}

func TestQueue_RestoreWakesReceiver(t *testing.T) {
	q, _ := newQueue(t, 4, 0)
	msgs := testutil.Messages("orders", 0, 0, 1)
	push(t, q, msgs...)
	drained := q.Drain()

	got := make(chan pub.Message, 1)
	go func() {
		msg, err := q.Receive(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Restore(drained)

	select {
	case msg := <-got:
		assert.Equal(t, msgs[0].ID, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by restore")
	}
}
