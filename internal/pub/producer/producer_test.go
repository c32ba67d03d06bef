package producer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/producer"
	"pubclient/internal/testutil"
)

type order struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

func newProducer(t *testing.T) (*producer.Producer, *testutil.Controller) {
	t.Helper()

	ctrl := testutil.NewController()
	p, err := producer.NewProducer(ctrl, zap.NewNop(), 7)
	require.NoError(t, err)
	return p, ctrl
}

func TestNewProducer_ValidatesDeps(t *testing.T) {
	_, err := producer.NewProducer(nil, zap.NewNop(), 1)
	assert.Error(t, err)

	_, err = producer.NewProducer(testutil.NewController(), nil, 1)
	assert.Error(t, err)
}

func TestProducer_PublishBatchAssignsIDs(t *testing.T) {
	p, ctrl := newProducer(t)
	ctx := context.Background()

	props := map[string]string{"customer_id": "c-1"}
	ids, err := p.PublishBatch(ctx, "orders", 2,
		pub.Event{Type: "order.created", Payload: order{OrderID: "o-1", Amount: 10}, Properties: props},
		pub.Event{Type: "order.paid", Payload: order{OrderID: "o-1", Amount: 10}},
	)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for i, id := range ids {
		assert.Equal(t, pub.MessageID{LedgerID: 7, EntryID: 0, Partition: 2, BatchIndex: int32(i)}, id)
	}

	next, err := ctrl.GetEntryID(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	msg, err := ctrl.LoadMessage(ctx, "orders", ids[0])
	require.NoError(t, err)

	var got order
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, order{OrderID: "o-1", Amount: 10}, got)

	typ, ok := msg.Property(pub.TypeProperty)
	require.True(t, ok)
	assert.Equal(t, "order.created", typ)
	assert.Equal(t, []string{"customer_id", "type"}, msg.PropertyKeys())
	assert.Len(t, props, 1, "caller properties are not modified")

	ids, err = p.PublishBatch(ctx, "orders", 2, pub.Event{Type: "order.shipped"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ids[0].EntryID)
	assert.True(t, ids[0].Compare(pub.MessageID{LedgerID: 7, EntryID: 0, Partition: 2, BatchIndex: 1}) > 0)
}

func TestProducer_EmptyBatch(t *testing.T) {
	p, ctrl := newProducer(t)

	ids, err := p.PublishBatch(context.Background(), "orders", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, ctrl.Calls("get_entry_id"))
}

func TestProducer_RetryKeepsMessagesFromFailedAttempt(t *testing.T) {
	p, ctrl := newProducer(t)
	ctx := context.Background()
	events := []pub.Event{
		{Type: "order.created", Payload: order{OrderID: "o-1", Amount: 10}},
		{Type: "order.paid", Payload: order{OrderID: "o-1", Amount: 10}},
	}

	ctrl.Fail("commit_entry_id", errors.New("unavailable"))
	_, err := p.PublishBatch(ctx, "orders", 0, events...)
	require.Error(t, err)

	ctrl.Fail("commit_entry_id", nil)
	ids, err := p.PublishBatch(ctx, "orders", 0, events...)
	require.NoError(t, err, "the stored messages match the retried batch")
	require.Len(t, ids, 2)
	assert.Equal(t, int64(0), ids[0].EntryID)
	assert.Equal(t, 4, ctrl.Calls("insert_message"))
}

func TestProducer_ConflictingEntryIsRejected(t *testing.T) {
	p, ctrl := newProducer(t)
	ctx := context.Background()

	// Another producer with the same ledger id already wrote entry 0.
	ctrl.Publish(pub.Message{
		ID:         pub.MessageID{LedgerID: 7, EntryID: 0},
		Topic:      "orders",
		Payload:    []byte(`{"order_id":"o-2","amount":5}`),
		Properties: map[string]string{pub.TypeProperty: "order.created"},
	})

	ids, err := p.PublishBatch(ctx, "orders", 0, pub.Event{Type: "order.created", Payload: order{OrderID: "o-1", Amount: 10}})
	assert.ErrorIs(t, err, pub.ErrEntryConflict)
	assert.Nil(t, ids)

	msg, err := ctrl.LoadMessage(ctx, "orders", pub.MessageID{LedgerID: 7, EntryID: 0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"order_id":"o-2","amount":5}`, string(msg.Payload), "the existing message is kept")
}

func TestProducer_Failures(t *testing.T) {
	cause := errors.New("unavailable")

	for _, op := range []string{"get_entry_id", "insert_message", "commit_entry_id"} {
		t.Run(op, func(t *testing.T) {
			p, ctrl := newProducer(t)
			ctrl.Fail(op, cause)

			ids, err := p.PublishBatch(context.Background(), "orders", 0, pub.Event{Type: "order.created"})
			assert.ErrorIs(t, err, cause)
			assert.Nil(t, ids)
		})
	}

	t.Run("unencodable payload", func(t *testing.T) {
		p, _ := newProducer(t)

		_, err := p.PublishBatch(context.Background(), "orders", 0, pub.Event{Payload: make(chan int)})
		assert.Error(t, err)
	})
}
