package controller

import (
	"context"
	"time"

	"pubclient/internal/pub"
	"pubclient/internal/pub/metrics"
)

// MetricsController wraps a pub.Controller with metrics collection
type MetricsController struct {
	controller pub.Controller
	registry   *metrics.Registry
}

// NewMetricsController creates a new instrumented controller
func NewMetricsController(controller pub.Controller, registry *metrics.Registry) pub.Controller {
	return &MetricsController{
		controller: controller,
		registry:   registry,
	}
}

// observe records the duration and outcome of op started at start.
func (c *MetricsController) observe(op string, start time.Time, err error) {
	c.registry.RecordDatabaseOperation(op, time.Since(start), err)
}

func (c *MetricsController) Subscribe(ctx context.Context, req pub.SubscribeRequest) error {
	start := time.Now()
	err := c.controller.Subscribe(ctx, req)
	c.observe("subscribe", start, err)
	return err
}

func (c *MetricsController) Unsubscribe(ctx context.Context, topic, sub string) error {
	start := time.Now()
	err := c.controller.Unsubscribe(ctx, topic, sub)
	c.observe("unsubscribe", start, err)
	return err
}

// GetCursor implements pub.Controller.GetCursor with metrics collection
func (c *MetricsController) GetCursor(ctx context.Context, topic, sub string, partition int32) (pub.MessageID, error) {
	start := time.Now()
	id, err := c.controller.GetCursor(ctx, topic, sub, partition)
	c.observe("get_cursor", start, err)
	return id, err
}

// LoadMessages implements pub.Controller.LoadMessages with metrics collection
func (c *MetricsController) LoadMessages(ctx context.Context, topic, sub string, partition int32, after pub.MessageID, limit int) ([]pub.Message, error) {
	start := time.Now()
	msgs, err := c.controller.LoadMessages(ctx, topic, sub, partition, after, limit)
	c.observe("load_messages", start, err)
	return msgs, err
}

func (c *MetricsController) LoadMessage(ctx context.Context, topic string, id pub.MessageID) (pub.Message, error) {
	start := time.Now()
	msg, err := c.controller.LoadMessage(ctx, topic, id)
	c.observe("load_message", start, err)
	return msg, err
}

// InsertMessage implements pub.Controller.InsertMessage with metrics collection
func (c *MetricsController) InsertMessage(ctx context.Context, msg pub.Message) error {
	start := time.Now()
	err := c.controller.InsertMessage(ctx, msg)
	c.observe("insert_message", start, err)
	return err
}

// GetEntryID implements pub.Controller.GetEntryID with metrics collection
func (c *MetricsController) GetEntryID(ctx context.Context, topic string, partition int32) (int64, error) {
	start := time.Now()
	entryID, err := c.controller.GetEntryID(ctx, topic, partition)
	c.observe("get_entry_id", start, err)
	return entryID, err
}

// CommitEntryID implements pub.Controller.CommitEntryID with metrics collection
func (c *MetricsController) CommitEntryID(topic string, partition int32, entryID int64) error {
	start := time.Now()
	err := c.controller.CommitEntryID(topic, partition, entryID)
	c.observe("commit_entry_id", start, err)
	return err
}

// InsertLease implements pub.Controller.InsertLease with metrics collection
func (c *MetricsController) InsertLease(ctx context.Context, topic, sub string, id pub.MessageID, ttl time.Duration) error {
	start := time.Now()
	err := c.controller.InsertLease(ctx, topic, sub, id, ttl)
	c.observe("insert_lease", start, err)
	c.registry.RecordLeaseOperation("create", err)
	return err
}

// Ack implements pub.Controller.Ack with metrics collection
func (c *MetricsController) Ack(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	start := time.Now()
	err := c.controller.Ack(ctx, topic, sub, ids)
	c.observe("ack", start, err)
	return err
}

// AckCumulative implements pub.Controller.AckCumulative with metrics collection
func (c *MetricsController) AckCumulative(ctx context.Context, topic, sub string, id pub.MessageID) error {
	start := time.Now()
	err := c.controller.AckCumulative(ctx, topic, sub, id)
	c.observe("ack_cumulative", start, err)
	return err
}

func (c *MetricsController) Redeliver(ctx context.Context, topic, sub string, ids []pub.MessageID) error {
	start := time.Now()
	err := c.controller.Redeliver(ctx, topic, sub, ids)
	c.observe("redeliver", start, err)
	c.registry.RecordLeaseOperation("release", err)
	return err
}

func (c *MetricsController) CloseConsumer(ctx context.Context, topic, sub string, unacked []pub.MessageID) error {
	start := time.Now()
	err := c.controller.CloseConsumer(ctx, topic, sub, unacked)
	c.observe("close_consumer", start, err)
	c.registry.RecordLeaseOperation("release", err)
	return err
}
