package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pubclient/internal/pub"
)

// Config holds the OpenTelemetry exporter and sampling settings.
type Config struct {
	Enabled        bool          `env:"TRACING_ENABLED" envDefault:"true"`
	ServiceName    string        `env:"TRACING_SERVICE_NAME" envDefault:"pubclient-e2e"`
	ServiceVersion string        `env:"TRACING_SERVICE_VERSION" envDefault:"1.0.0"`
	Environment    string        `env:"TRACING_ENVIRONMENT" envDefault:"development"`
	Endpoint       string        `env:"OTLP_ENDPOINT" envDefault:"localhost:4318"`
	SampleRate     float64       `env:"TRACING_SAMPLE_RATE" envDefault:"1.0"`
	BatchTimeout   time.Duration `env:"TRACING_BATCH_TIMEOUT" envDefault:"1s"`
	ExportTimeout  time.Duration `env:"TRACING_EXPORT_TIMEOUT" envDefault:"30s"`
	MaxExportBatch int           `env:"TRACING_MAX_EXPORT_BATCH" envDefault:"512"`
	MaxQueueSize   int           `env:"TRACING_MAX_QUEUE_SIZE" envDefault:"2048"`
}

// Tracer starts spans for the traced consumer, producer and controller and
// builds the pub.* attributes they share.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer installs a global provider exporting over OTLP HTTP. The returned
// cleanup flushes pending spans and shuts the provider down. A disabled config
// yields a tracer that records nothing.
func NewTracer(config Config) (*Tracer, func(context.Context) error, error) {
	if !config.Enabled {
		return NewTracerFromProvider(noop.NewTracerProvider(), config.ServiceName), func(context.Context) error { return nil }, nil
	}

	tp, err := newProvider(config)
	if err != nil {
		return nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cleanup := func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
		return tp.Shutdown(ctx)
	}

	return NewTracerFromProvider(tp, config.ServiceName), cleanup, nil
}

func newProvider(config Config) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("service.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(
		context.Background(),
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(config.ExportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithExportTimeout(config.ExportTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		),
	), nil
}

// NewTracerFromProvider builds a tracer on an existing provider without
// touching global state.
func NewTracerFromProvider(tp trace.TracerProvider, name string) *Tracer {
	return &Tracer{tracer: tp.Tracer(name)}
}

func (t *Tracer) StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// Finish sets the span status from err. Failed spans also carry the error as
// an event and as error.* attributes. It does not end the span.
func (t *Tracer) Finish(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Bool("error", false))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.Bool("error", true),
		attribute.String("error.type", fmt.Sprintf("%T", err)),
	)
}

func (t *Tracer) PartitionAttributes(topic string, partition int32) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.topic", topic),
		attribute.Int("pub.partition", int(partition)),
	}
}

func (t *Tracer) ProducerAttributes(topic string, partition int32, batchSize int) []attribute.KeyValue {
	return append(t.PartitionAttributes(topic, partition), attribute.Int("pub.batch_size", batchSize))
}

func (t *Tracer) ConsumerAttributes(topic, subscription string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.topic", topic),
		attribute.String("pub.subscription", subscription),
	}
}

// MessageAttributes spells out every component of id so spans can be
// filtered by partition or ledger.
func (t *Tracer) MessageAttributes(id pub.MessageID) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pub.message_id", id.String()),
		attribute.Int("pub.partition", int(id.Partition)),
		attribute.Int64("pub.ledger_id", id.LedgerID),
		attribute.Int64("pub.entry_id", id.EntryID),
		attribute.Int("pub.batch_index", int(id.BatchIndex)),
	}
}

// DatabaseAttributes tags controller spans with the store they hit.
func (t *Tracer) DatabaseAttributes(operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.system", "couchbase"),
	}
}
