package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes reconciliation and mutation instruments.
type Metrics struct {
	passes           metric.Int64Counter
	droppedRecords   metric.Int64Counter
	mutations        metric.Int64Counter
	stageTransitions metric.Int64Counter
	passDuration     metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "worksite"
	}
	meter := provider.Meter(name)

	passes, err := meter.Int64Counter("worksite_reconcile_passes_total")
	if err != nil {
		return nil, err
	}
	droppedRecords, err := meter.Int64Counter("worksite_dropped_records_total")
	if err != nil {
		return nil, err
	}
	mutations, err := meter.Int64Counter("worksite_mutations_total")
	if err != nil {
		return nil, err
	}
	stageTransitions, err := meter.Int64Counter("worksite_stage_transitions_total")
	if err != nil {
		return nil, err
	}
	passDuration, err := meter.Float64Histogram("worksite_reconcile_pass_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		passes:           passes,
		droppedRecords:   droppedRecords,
		mutations:        mutations,
		stageTransitions: stageTransitions,
		passDuration:     passDuration,
	}, nil
}

// RecordPass counts a reconciliation pass by outcome (committed, discarded, failed).
func (m *Metrics) RecordPass(ctx context.Context, mode, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.passes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.passDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDroppedRecord counts a raw record rejected by the normalizer.
func (m *Metrics) RecordDroppedRecord(ctx context.Context, sourceType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(sourceType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.droppedRecords.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMutation counts a mutation outcome (applied, rolled_back, rejected).
func (m *Metrics) RecordMutation(ctx context.Context, entity, action, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("entity", strings.TrimSpace(entity)),
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.mutations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStageTransition counts automatic stage changes.
func (m *Metrics) RecordStageTransition(ctx context.Context, transition, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transition", strings.TrimSpace(transition)),
		attribute.String("stage", strings.TrimSpace(stage)),
	)
	m.stageTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"mode":        {},
	"outcome":     {},
	"source_type": {},
	"reason":      {},
	"entity":      {},
	"action":      {},
	"transition":  {},
	"stage":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
