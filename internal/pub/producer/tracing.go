package producer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"pubclient/internal/pub"
	"pubclient/internal/pub/tracing"
)

// TracedProducer wraps a pub.Producer with distributed tracing
// Layer order: TracedProducer -> MetricsProducer -> Producer (real thing)
type TracedProducer struct {
	producer pub.Producer
	tracer   *tracing.Tracer
}

// NewTracedProducer creates a new traced producer that wraps a metrics producer
func NewTracedProducer(producer pub.Producer, tracer *tracing.Tracer) pub.Producer {
	return &TracedProducer{
		producer: producer,
		tracer:   tracer,
	}
}

// PublishBatch implements pub.Producer.PublishBatch with distributed tracing
func (p *TracedProducer) PublishBatch(ctx context.Context, topic string, partition int32, events ...pub.Event) ([]pub.MessageID, error) {
	ctx, span := p.tracer.StartSpan(ctx, "producer.publish_batch")
	defer span.End()

	span.SetAttributes(p.tracer.ProducerAttributes(topic, partition, len(events))...)

	ids, err := p.producer.PublishBatch(ctx, topic, partition, events...)

	if len(ids) > 0 {
		span.SetAttributes(attribute.Int64("pub.entry_id", ids[0].EntryID))
	}
	p.tracer.Finish(span, err)

	return ids, err
}
