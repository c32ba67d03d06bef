package controller_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/controller"
	"pubclient/internal/pub/metrics"
	pubtest "pubclient/internal/testutil"
)

func TestBreakerController_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := pubtest.NewController()
	registry := metrics.NewRegistry()
	b := controller.NewBreakerController(inner, controller.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Hour,
	}, registry, zap.NewNop())

	cause := errors.New("connection reset")
	inner.Fail("get_cursor", cause)

	for range 3 {
		_, err := b.GetCursor(context.Background(), "orders", "analytics", 0)
		assert.ErrorIs(t, err, cause)
	}

	_, err := b.GetCursor(context.Background(), "orders", "analytics", 0)
	assert.ErrorIs(t, err, pub.ErrTransportFailure)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.Calls("get_cursor"), "an open breaker does not reach the controller")

	// Every operation shares the breaker.
	err = b.Ack(context.Background(), "orders", "analytics", []pub.MessageID{{EntryID: 1}})
	assert.ErrorIs(t, err, pub.ErrTransportFailure)
	assert.Equal(t, 0, inner.Calls("ack"))

	expected := `
# HELP pub_controller_breaker_state Circuit breaker state: 0 closed, 1 half-open, 2 open
# TYPE pub_controller_breaker_state gauge
pub_controller_breaker_state{name="controller"} 2
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "pub_controller_breaker_state"))
}

func TestBreakerController_NormalOutcomesDoNotTrip(t *testing.T) {
	inner := pubtest.NewController()
	b := controller.NewBreakerController(inner, controller.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}, nil, zap.NewNop())

	id := pub.MessageID{LedgerID: 1, EntryID: 1}
	require.NoError(t, b.InsertLease(context.Background(), "orders", "analytics", id, time.Minute))
	for range 5 {
		err := b.InsertLease(context.Background(), "orders", "analytics", id, time.Minute)
		assert.ErrorIs(t, err, pub.ErrLeaseHeld)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner.Fail("load_messages", context.Canceled)
	for range 5 {
		_, err := b.LoadMessages(ctx, "orders", "analytics", 0, pub.EarliestMessageID, 10)
		assert.ErrorIs(t, err, context.Canceled)
	}

	_, err := b.GetCursor(context.Background(), "orders", "analytics", 0)
	assert.NoError(t, err)
}

func TestBreakerController_RecoversAfterReset(t *testing.T) {
	inner := pubtest.NewController()
	b := controller.NewBreakerController(inner, controller.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
	}, nil, zap.NewNop())

	inner.Fail("get_entry_id", errors.New("timeout"))
	_, err := b.GetEntryID(context.Background(), "orders", 0)
	require.Error(t, err)

	_, err = b.GetEntryID(context.Background(), "orders", 0)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	inner.Fail("get_entry_id", nil)
	require.Eventually(t, func() bool {
		_, err := b.GetEntryID(context.Background(), "orders", 0)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}
