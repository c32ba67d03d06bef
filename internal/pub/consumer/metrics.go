package consumer

import (
	"context"
	"time"

	"pubclient/internal/pub"
	"pubclient/internal/pub/metrics"
)

type statter interface {
	Stats() Stats
}

// MetricsConsumer wraps a pub.Consumer with metrics collection
type MetricsConsumer struct {
	consumer pub.Consumer
	registry *metrics.Registry
}

// NewMetricsConsumer creates a new instrumented consumer
func NewMetricsConsumer(consumer pub.Consumer, registry *metrics.Registry) pub.Consumer {
	return &MetricsConsumer{
		consumer: consumer,
		registry: registry,
	}
}

func (c *MetricsConsumer) Topic() string {
	return c.consumer.Topic()
}

func (c *MetricsConsumer) Subscription() string {
	return c.consumer.Subscription()
}

func (c *MetricsConsumer) depth() {
	if s, ok := c.consumer.(statter); ok {
		c.registry.UpdateQueueDepth(c.Topic(), c.Subscription(), s.Stats().Buffered)
	}
}

func (c *MetricsConsumer) lifecycle(op string, err error) {
	c.registry.RecordConsumerLifecycle(c.Topic(), c.Subscription(), op, err)
}

// Subscribe implements pub.Consumer.Subscribe with metrics collection
func (c *MetricsConsumer) Subscribe(ctx context.Context) error {
	err := c.consumer.Subscribe(ctx)
	c.lifecycle("subscribe", err)
	return err
}

// Receive implements pub.Consumer.Receive with metrics collection
func (c *MetricsConsumer) Receive(ctx context.Context) (pub.Message, error) {
	start := time.Now()

	msg, err := c.consumer.Receive(ctx)
	duration := time.Since(start)

	c.registry.RecordConsumerReceive(c.Topic(), c.Subscription(), duration, err)
	c.depth()

	return msg, err
}

// ReceiveTimeout implements pub.Consumer.ReceiveTimeout with metrics collection
func (c *MetricsConsumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (pub.Message, error) {
	start := time.Now()

	msg, err := c.consumer.ReceiveTimeout(ctx, timeout)
	duration := time.Since(start)

	c.registry.RecordConsumerReceive(c.Topic(), c.Subscription(), duration, err)
	c.depth()

	return msg, err
}

// Acknowledge implements pub.Consumer.Acknowledge with metrics collection
func (c *MetricsConsumer) Acknowledge(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	r, err := c.consumer.Acknowledge(ctx, msg)
	c.registry.RecordConsumerAck(c.Topic(), c.Subscription(), false, err)
	return r, err
}

// AcknowledgeCumulative implements pub.Consumer.AcknowledgeCumulative with metrics collection
func (c *MetricsConsumer) AcknowledgeCumulative(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	r, err := c.consumer.AcknowledgeCumulative(ctx, msg)
	c.registry.RecordConsumerAck(c.Topic(), c.Subscription(), true, err)
	return r, err
}

func (c *MetricsConsumer) PauseMessageListener() error {
	err := c.consumer.PauseMessageListener()
	c.lifecycle("pause", err)
	return err
}

func (c *MetricsConsumer) ResumeMessageListener() error {
	err := c.consumer.ResumeMessageListener()
	c.lifecycle("resume", err)
	return err
}

// RedeliverUnacknowledgedMessages implements pub.Consumer.RedeliverUnacknowledgedMessages with metrics collection
func (c *MetricsConsumer) RedeliverUnacknowledgedMessages(ctx context.Context) error {
	err := c.consumer.RedeliverUnacknowledgedMessages(ctx)
	c.registry.RecordRedeliveryRequest(c.Topic(), c.Subscription(), err)
	c.depth()
	return err
}

func (c *MetricsConsumer) Unsubscribe(ctx context.Context) error {
	err := c.consumer.Unsubscribe(ctx)
	c.lifecycle("unsubscribe", err)
	return err
}

func (c *MetricsConsumer) Close(ctx context.Context) error {
	err := c.consumer.Close(ctx)
	c.lifecycle("close", err)
	c.registry.UpdateQueueDepth(c.Topic(), c.Subscription(), 0)
	return err
}

// MetricsFlowListener records flow control signals before passing them on.
type MetricsFlowListener struct {
	listener     pub.FlowListener
	registry     *metrics.Registry
	topic        string
	subscription string
}

// NewMetricsFlowListener wraps listener, which may be nil.
func NewMetricsFlowListener(listener pub.FlowListener, registry *metrics.Registry, topic, subscription string) *MetricsFlowListener {
	return &MetricsFlowListener{
		listener:     listener,
		registry:     registry,
		topic:        topic,
		subscription: subscription,
	}
}

func (l *MetricsFlowListener) Flow(permits int) {
	l.registry.RecordFlowPermits(l.topic, l.subscription, permits)
	if l.listener != nil {
		l.listener.Flow(permits)
	}
}

func (l *MetricsFlowListener) Backpressure() {
	l.registry.RecordFlowSignal(l.topic, l.subscription, "backpressure")
	if l.listener != nil {
		l.listener.Backpressure()
	}
}

func (l *MetricsFlowListener) Resume() {
	l.registry.RecordFlowSignal(l.topic, l.subscription, "resume")
	if l.listener != nil {
		l.listener.Resume()
	}
}
