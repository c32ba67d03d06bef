package consumer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pubclient/internal/pub"
	"pubclient/internal/pub/tracing"
)

// TracedConsumer wraps a pub.Consumer with distributed tracing
// Layer order: TracedConsumer -> MetricsConsumer -> Consumer (real thing)
type TracedConsumer struct {
	consumer pub.Consumer
	tracer   *tracing.Tracer
}

// NewTracedConsumer creates a new traced consumer that wraps a metrics consumer
func NewTracedConsumer(consumer pub.Consumer, tracer *tracing.Tracer) pub.Consumer {
	return &TracedConsumer{
		consumer: consumer,
		tracer:   tracer,
	}
}

func (c *TracedConsumer) Topic() string {
	return c.consumer.Topic()
}

func (c *TracedConsumer) Subscription() string {
	return c.consumer.Subscription()
}

func (c *TracedConsumer) start(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := c.tracer.StartSpan(ctx, name)
	span.SetAttributes(c.tracer.ConsumerAttributes(c.Topic(), c.Subscription())...)
	return ctx, span
}

func (c *TracedConsumer) Subscribe(ctx context.Context) error {
	ctx, span := c.start(ctx, "consumer.subscribe")
	defer span.End()

	err := c.consumer.Subscribe(ctx)
	c.tracer.Finish(span, err)

	return err
}

// Receive implements pub.Consumer.Receive with distributed tracing
func (c *TracedConsumer) Receive(ctx context.Context) (pub.Message, error) {
	ctx, span := c.start(ctx, "consumer.receive")
	defer span.End()

	msg, err := c.consumer.Receive(ctx)
	if err == nil {
		span.SetAttributes(c.tracer.MessageAttributes(msg.ID)...)
		span.SetAttributes(attribute.Int("pub.redelivery_count", msg.RedeliveryCount))
	}
	c.tracer.Finish(span, err)

	return msg, err
}

// ReceiveTimeout implements pub.Consumer.ReceiveTimeout with distributed tracing
func (c *TracedConsumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (pub.Message, error) {
	ctx, span := c.start(ctx, "consumer.receive")
	defer span.End()

	span.SetAttributes(attribute.Int64("pub.receive_timeout_ms", timeout.Milliseconds()))

	msg, err := c.consumer.ReceiveTimeout(ctx, timeout)
	if err == nil {
		span.SetAttributes(c.tracer.MessageAttributes(msg.ID)...)
		span.SetAttributes(attribute.Int("pub.redelivery_count", msg.RedeliveryCount))
	}
	c.tracer.Finish(span, err)

	return msg, err
}

// Acknowledge implements pub.Consumer.Acknowledge with distributed tracing
func (c *TracedConsumer) Acknowledge(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	ctx, span := c.start(ctx, "consumer.ack")
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(msg.MessageId())...)

	r, err := c.consumer.Acknowledge(ctx, msg)
	c.tracer.Finish(span, err)

	return r, err
}

// AcknowledgeCumulative implements pub.Consumer.AcknowledgeCumulative with distributed tracing
func (c *TracedConsumer) AcknowledgeCumulative(ctx context.Context, msg pub.Ackable) (*pub.AckReceipt, error) {
	ctx, span := c.start(ctx, "consumer.ack_cumulative")
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(msg.MessageId())...)

	r, err := c.consumer.AcknowledgeCumulative(ctx, msg)
	c.tracer.Finish(span, err)

	return r, err
}

// PauseMessageListener takes no context, so it is passed through untraced.
func (c *TracedConsumer) PauseMessageListener() error {
	return c.consumer.PauseMessageListener()
}

func (c *TracedConsumer) ResumeMessageListener() error {
	return c.consumer.ResumeMessageListener()
}

func (c *TracedConsumer) RedeliverUnacknowledgedMessages(ctx context.Context) error {
	ctx, span := c.start(ctx, "consumer.redeliver_unacknowledged")
	defer span.End()

	err := c.consumer.RedeliverUnacknowledgedMessages(ctx)
	c.tracer.Finish(span, err)

	return err
}

func (c *TracedConsumer) Unsubscribe(ctx context.Context) error {
	ctx, span := c.start(ctx, "consumer.unsubscribe")
	defer span.End()

	err := c.consumer.Unsubscribe(ctx)
	c.tracer.Finish(span, err)

	return err
}

func (c *TracedConsumer) Close(ctx context.Context) error {
	ctx, span := c.start(ctx, "consumer.close")
	defer span.End()

	err := c.consumer.Close(ctx)
	c.tracer.Finish(span, err)

	return err
}
