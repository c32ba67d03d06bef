package producer

import (
	"context"
	"time"

	"pubclient/internal/pub"
	"pubclient/internal/pub/metrics"
)

// MetricsProducer wraps a pub.Producer with metrics collection
type MetricsProducer struct {
	producer pub.Producer
	registry *metrics.Registry
}

// NewMetricsProducer creates a new instrumented producer
func NewMetricsProducer(producer pub.Producer, registry *metrics.Registry) pub.Producer {
	return &MetricsProducer{
		producer: producer,
		registry: registry,
	}
}

// PublishBatch implements pub.Producer.PublishBatch with metrics collection
func (p *MetricsProducer) PublishBatch(ctx context.Context, topic string, partition int32, events ...pub.Event) ([]pub.MessageID, error) {
	start := time.Now()

	ids, err := p.producer.PublishBatch(ctx, topic, partition, events...)
	duration := time.Since(start)

	p.registry.RecordProducerPublish(topic, partition, len(events), duration, err)

	return ids, err
}
