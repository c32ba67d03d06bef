package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pubclient/internal/pub"
	"pubclient/internal/pub/tracing"
)

// TracedController wraps a pub.Controller with distributed tracing
// Layer order: TracedController -> MetricsController -> Controller (real thing)
type TracedController struct {
	controller pub.Controller
	tracer     *tracing.Tracer
}

// NewTracedController creates a new traced controller that wraps a metrics controller
func NewTracedController(controller pub.Controller, tracer *tracing.Tracer) pub.Controller {
	return &TracedController{
		controller: controller,
		tracer:     tracer,
	}
}

func (c *TracedController) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := c.tracer.StartSpan(ctx, "controller."+op)
	span.SetAttributes(c.tracer.DatabaseAttributes(op)...)
	span.SetAttributes(attrs...)
	return ctx, span
}

func (c *TracedController) Subscribe(ctx context.Context, req pub.SubscribeRequest) error {
	ctx, span := c.start(ctx, "subscribe", c.tracer.ConsumerAttributes(req.Topic, req.Subscription)...)
	defer span.End()

	span.SetAttributes(
		attribute.String("pub.consumer", req.ConsumerName),
		attribute.String("pub.subscription_type", string(req.Type)),
	)

	err := c.controller.Subscribe(ctx, req)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) Unsubscribe(ctx context.Context, topic, sub string) error {
	ctx, span := c.start(ctx, "unsubscribe", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	err := c.controller.Unsubscribe(ctx, topic, sub)
	c.tracer.Finish(span, err)
	return err
}

// GetCursor implements pub.Controller.GetCursor with distributed tracing
func (c *TracedController) GetCursor(ctx context.Context, topic, sub string, partition int32) (pub.MessageID, error) {
	ctx, span := c.start(ctx, "get_cursor", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(attribute.Int("pub.partition", int(partition)))

	id, err := c.controller.GetCursor(ctx, topic, sub, partition)
	if err == nil {
		span.SetAttributes(attribute.String("pub.cursor", id.String()))
	}
	c.tracer.Finish(span, err)
	return id, err
}

// LoadMessages implements pub.Controller.LoadMessages with distributed tracing
func (c *TracedController) LoadMessages(ctx context.Context, topic, sub string, partition int32, after pub.MessageID, limit int) ([]pub.Message, error) {
	ctx, span := c.start(ctx, "load_messages", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(
		attribute.Int("pub.partition", int(partition)),
		attribute.String("pub.after", after.String()),
		attribute.Int("pub.limit", limit),
	)

	msgs, err := c.controller.LoadMessages(ctx, topic, sub, partition, after, limit)
	span.SetAttributes(attribute.Int("pub.messages_loaded", len(msgs)))
	c.tracer.Finish(span, err)
	return msgs, err
}

func (c *TracedController) LoadMessage(ctx context.Context, topic string, id pub.MessageID) (pub.Message, error) {
	ctx, span := c.start(ctx, "load_message", attribute.String("pub.topic", topic))
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(id)...)

	msg, err := c.controller.LoadMessage(ctx, topic, id)
	c.tracer.Finish(span, err)
	return msg, err
}

// InsertMessage implements pub.Controller.InsertMessage with distributed tracing
func (c *TracedController) InsertMessage(ctx context.Context, msg pub.Message) error {
	ctx, span := c.start(ctx, "insert_message", attribute.String("pub.topic", msg.Topic))
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(msg.ID)...)
	span.SetAttributes(attribute.Int("pub.payload_size", len(msg.Payload)))

	err := c.controller.InsertMessage(ctx, msg)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) GetEntryID(ctx context.Context, topic string, partition int32) (int64, error) {
	ctx, span := c.start(ctx, "get_entry_id", c.tracer.PartitionAttributes(topic, partition)...)
	defer span.End()

	entryID, err := c.controller.GetEntryID(ctx, topic, partition)
	if err == nil {
		span.SetAttributes(attribute.Int64("pub.entry_id", entryID))
	}
	c.tracer.Finish(span, err)
	return entryID, err
}

// CommitEntryID carries no context, so its span is a root span.
func (c *TracedController) CommitEntryID(topic string, partition int32, entryID int64) error {
	_, span := c.start(context.Background(), "commit_entry_id", c.tracer.PartitionAttributes(topic, partition)...)
	defer span.End()

	span.SetAttributes(attribute.Int64("pub.entry_id", entryID))

	err := c.controller.CommitEntryID(topic, partition, entryID)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) InsertLease(ctx context.Context, topic, sub string, id pub.MessageID, ttl time.Duration) error {
	ctx, span := c.start(ctx, "insert_lease", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(id)...)
	span.SetAttributes(attribute.Int64("pub.lease_ttl_ms", ttl.Milliseconds()))

	err := c.controller.InsertLease(ctx, topic, sub, id, ttl)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) Ack(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	ctx, span := c.start(ctx, "ack", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(attribute.Int("pub.ack_count", len(ids)))
	if len(ids) == 1 {
		span.SetAttributes(c.tracer.MessageAttributes(ids[0])...)
	}

	err := c.controller.Ack(ctx, topic, sub, ids)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) AckCumulative(ctx context.Context, topic, sub string, id pub.MessageID) error {
	ctx, span := c.start(ctx, "ack_cumulative", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(c.tracer.MessageAttributes(id)...)

	err := c.controller.AckCumulative(ctx, topic, sub, id)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	ctx, span := c.start(ctx, "redeliver", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(attribute.Int("pub.redeliver_count", len(ids)))

	err := c.controller.Redeliver(ctx, topic, sub, ids)
	c.tracer.Finish(span, err)
	return err
}

func (c *TracedController) CloseConsumer(ctx context.Context, topic, sub string, unacked []pub.MessageID) error {
	ctx, span := c.start(ctx, "close_consumer", c.tracer.ConsumerAttributes(topic, sub)...)
	defer span.End()

	span.SetAttributes(attribute.Int("pub.unacked_count", len(unacked)))

	err := c.controller.CloseConsumer(ctx, topic, sub, unacked)
	c.tracer.Finish(span, err)
	return err
}
