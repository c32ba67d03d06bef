package controller_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"pubclient/internal/pub"
	"pubclient/internal/pub/controller"
	"pubclient/internal/pub/metrics"
	"pubclient/internal/pub/tracing"
	pubtest "pubclient/internal/testutil"
)

func TestMetricsController_RecordsLeaseOutcomes(t *testing.T) {
	registry := metrics.NewRegistry()
	c := controller.NewMetricsController(pubtest.NewController(), registry)
	ctx := context.Background()
	id := pub.MessageID{LedgerID: 1, EntryID: 1}

	require.NoError(t, c.InsertLease(ctx, "orders", "analytics", id, time.Minute))
	assert.ErrorIs(t, c.InsertLease(ctx, "orders", "analytics", id, time.Minute), pub.ErrLeaseHeld)
	require.NoError(t, c.Redeliver(ctx, "orders", "analytics", []pub.MessageID{id}))

	expected := `
# HELP pub_lease_operation_total Total number of lease operations
# TYPE pub_lease_operation_total counter
pub_lease_operation_total{operation="create",status="held"} 1
pub_lease_operation_total{operation="create",status="success"} 1
pub_lease_operation_total{operation="release",status="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry.Gatherer(), strings.NewReader(expected), "pub_lease_operation_total"))

	count, err := testutil.GatherAndCount(registry.Gatherer(), "pub_database_operation_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "insert_lease success, insert_lease error, redeliver success")
}

func TestTracedController_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := controller.NewTracedController(pubtest.NewController(), tracing.NewTracerFromProvider(tp, "test"))
	ctx := context.Background()

	_, err := c.GetCursor(ctx, "orders", "analytics", 2)
	require.NoError(t, err)
	_, err = c.LoadMessage(ctx, "orders", pub.MessageID{EntryID: 9})
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "controller.get_cursor", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("db.system", "couchbase"))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	assert.Equal(t, "controller.load_message", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
