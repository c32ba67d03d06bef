package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pubclient/internal/pub"
)

func TestRegistry_RecordConsumerReceiveStatus(t *testing.T) {
	r := NewRegistry()

	r.RecordConsumerReceive("orders", "analytics", time.Millisecond, nil)
	r.RecordConsumerReceive("orders", "analytics", time.Second, pub.ErrTimeout)
	r.RecordConsumerReceive("orders", "analytics", 0, fmt.Errorf("receive: %w", pub.ErrConsumerClosed))
	r.RecordConsumerReceive("orders", "analytics", 0, errors.New("boom"))

	for _, status := range []string{"success", "timeout", "closed", "error"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(r.receiveTotal.WithLabelValues("orders", "analytics", status)), status)
	}
}

func TestRegistry_RecordConsumerAckKind(t *testing.T) {
	r := NewRegistry()

	r.RecordConsumerAck("orders", "analytics", false, nil)
	r.RecordConsumerAck("orders", "analytics", true, nil)
	r.RecordConsumerAck("orders", "analytics", true, pub.ErrInvalidMessageID)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("orders", "analytics", "individual", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("orders", "analytics", "cumulative", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ackTotal.WithLabelValues("orders", "analytics", "cumulative", "error")))
}

func TestRegistry_RecordLeaseOperationHeld(t *testing.T) {
	r := NewRegistry()

	r.RecordLeaseOperation("create", nil)
	r.RecordLeaseOperation("create", fmt.Errorf("lease: %w", pub.ErrLeaseHeld))
	r.RecordLeaseOperation("release", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.leaseOperationTotal.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.leaseOperationTotal.WithLabelValues("create", "held")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.leaseOperationTotal.WithLabelValues("release", "error")))
}

func TestRegistry_RecordProducerPublish(t *testing.T) {
	r := NewRegistry()

	r.RecordProducerPublish("orders", 3, 10, time.Millisecond, nil)
	r.RecordProducerPublish("orders", 3, 10, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.publishTotal.WithLabelValues("orders", "3", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.publishTotal.WithLabelValues("orders", "3", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.publishBatchSize), "failed batches are not observed")
}

func TestRegistry_FlowAndDepth(t *testing.T) {
	r := NewRegistry()

	r.RecordFlowPermits("orders", "analytics", 5)
	r.RecordFlowPermits("orders", "analytics", 3)
	r.RecordFlowSignal("orders", "analytics", "backpressure")
	r.UpdateQueueDepth("orders", "analytics", 7)
	r.UpdateBreakerState("controller", 2)

	assert.Equal(t, 8.0, testutil.ToFloat64(r.flowPermits.WithLabelValues("orders", "analytics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flowSignalTotal.WithLabelValues("orders", "analytics", "backpressure")))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("orders", "analytics")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues("controller")))
}

func TestRegistry_GathersWithoutGlobalState(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RecordDispatch("orders", "analytics", "pushed")

	count, err := testutil.GatherAndCount(a.Gatherer(), "pub_dispatcher_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(b.Gatherer(), "pub_dispatcher_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
