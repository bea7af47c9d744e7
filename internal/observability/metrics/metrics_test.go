package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("entity", "quote"),
		attribute.String("project_id", "456"),
		attribute.String("outcome", "applied"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "entity" && attrs[1].Key != "entity" {
		t.Fatalf("expected entity to be retained")
	}
	if attrs[0].Key != "outcome" && attrs[1].Key != "outcome" {
		t.Fatalf("expected outcome to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordPass(ctx, "merge", "committed", time.Millisecond)
	m.RecordDroppedRecord(ctx, "payment", "missing_amount")
	m.RecordMutation(ctx, "quote", "accept", "applied")
	m.RecordStageTransition(ctx, "progressed", "invoice_settled")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "worksite-test"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordMutation(context.Background(), "payment", "add", "rolled_back")
}
