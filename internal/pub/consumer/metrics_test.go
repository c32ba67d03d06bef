package consumer_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pubclient/internal/pub"
	"pubclient/internal/pub/consumer"
	"pubclient/internal/pub/metrics"
	pubtest "pubclient/internal/testutil"
)

func TestMetricsConsumer_RecordsOperations(t *testing.T) {
	registry := metrics.NewRegistry()
	ctrl := pubtest.NewController()
	flow := consumer.NewMetricsFlowListener(nil, registry, topic, sub)

	base, err := consumer.NewConsumer(ctrl, flow, zap.NewNop(), consumer.Config{
		Topic:             topic,
		Subscription:      sub,
		ReceiverQueueSize: 2,
	})
	require.NoError(t, err)
	c := consumer.NewMetricsConsumer(base, registry)

	require.NoError(t, c.Subscribe(context.Background()))
	for _, m := range pubtest.Messages(topic, 0, 0, 2) {
		require.NoError(t, base.Push(context.Background(), m))
	}

	msg, err := c.ReceiveTimeout(context.Background(), time.Second)
	require.NoError(t, err)
	_, err = c.Acknowledge(context.Background(), msg)
	require.NoError(t, err)
	_, err = c.Acknowledge(context.Background(), pub.MessageID{LedgerID: 42})
	assert.ErrorIs(t, err, pub.ErrInvalidMessageID)

	_, err = c.Receive(context.Background())
	require.NoError(t, err)
	_, err = c.ReceiveTimeout(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, pub.ErrTimeout)

	require.NoError(t, c.Close(context.Background()))

	expected := `
# HELP pub_consumer_ack_total Total number of message acknowledgments
# TYPE pub_consumer_ack_total counter
pub_consumer_ack_total{kind="individual",status="error",subscription="analytics",topic="orders"} 1
pub_consumer_ack_total{kind="individual",status="success",subscription="analytics",topic="orders"} 1
# HELP pub_consumer_receive_total Total number of receive calls
# TYPE pub_consumer_receive_total counter
pub_consumer_receive_total{status="success",subscription="analytics",topic="orders"} 2
pub_consumer_receive_total{status="timeout",subscription="analytics",topic="orders"} 1
# HELP pub_consumer_flow_signal_total Total number of backpressure and resume signals
# TYPE pub_consumer_flow_signal_total counter
pub_consumer_flow_signal_total{signal="backpressure",subscription="analytics",topic="orders"} 1
pub_consumer_flow_signal_total{signal="resume",subscription="analytics",topic="orders"} 1
# HELP pub_consumer_flow_permits_total Total number of flow permits released to the delivery path
# TYPE pub_consumer_flow_permits_total counter
pub_consumer_flow_permits_total{subscription="analytics",topic="orders"} 2
# HELP pub_consumer_queue_depth Number of messages buffered in the delivery queue
# TYPE pub_consumer_queue_depth gauge
pub_consumer_queue_depth{subscription="analytics",topic="orders"} 0
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected),
		"pub_consumer_ack_total",
		"pub_consumer_receive_total",
		"pub_consumer_flow_signal_total",
		"pub_consumer_flow_permits_total",
		"pub_consumer_queue_depth",
	))

	count, err := testutil.GatherAndCount(registry.Gatherer(), "pub_consumer_lifecycle_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "subscribe and close")
}
