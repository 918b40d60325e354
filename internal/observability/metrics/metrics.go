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

// Metrics exposes settlement-level instruments.
type Metrics struct {
	paymentsCreated      metric.Int64Counter
	paymentsConfirmed    metric.Int64Counter
	paymentsClaimed      metric.Int64Counter
	paymentsSwept        metric.Int64Counter
	verificationRejected metric.Int64Counter
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

	return provider, nil
}

// New configures the settlement metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "roost"
	}
	meter := provider.Meter(name)

	paymentsCreated, err := meter.Int64Counter("roost_payments_created_total")
	if err != nil {
		return nil, err
	}
	paymentsConfirmed, err := meter.Int64Counter("roost_payments_confirmed_total")
	if err != nil {
		return nil, err
	}
	paymentsClaimed, err := meter.Int64Counter("roost_payments_claimed_total")
	if err != nil {
		return nil, err
	}
	paymentsSwept, err := meter.Int64Counter("roost_payments_swept_total")
	if err != nil {
		return nil, err
	}
	verificationRejected, err := meter.Int64Counter("roost_verification_rejected_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentsCreated:      paymentsCreated,
		paymentsConfirmed:    paymentsConfirmed,
		paymentsClaimed:      paymentsClaimed,
		paymentsSwept:        paymentsSwept,
		verificationRejected: verificationRejected,
	}, nil
}

func (m *Metrics) RecordPaymentCreated(ctx context.Context, provider, purpose string) {
	if m == nil {
		return
	}
	m.paymentsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("purpose", purpose),
	))
}

func (m *Metrics) RecordPaymentConfirmed(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.paymentsConfirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordPaymentClaimed(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.paymentsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordPaymentSwept(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.paymentsSwept.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordVerificationRejected(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	m.verificationRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}
