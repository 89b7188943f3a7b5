package obs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/relay"
)

const meterName = "toolfence"

// AttrToolName labels tool-call counts.
const AttrToolName = attribute.Key("tool.name")

// Meter records stream metrics. It implements relay.Observer.
type Meter struct {
	provider *sdkmetric.MeterProvider

	chunks     metric.Int64Counter
	bytesIn    metric.Int64Counter
	bytesOut   metric.Int64Counter
	toolCalls  metric.Int64Counter
	streams    metric.Int64Counter
	suppressed metric.Int64Counter
}

var _ relay.Observer = (*Meter)(nil)

// NewMeter builds the meter provider for cfg's exporter and registers it
// globally. With the "none" exporter the meter records into the global no-op
// provider.
func NewMeter(ctx context.Context, cfg config.Metrics, interval time.Duration, stdout io.Writer) (*Meter, error) {
	exporter, err := newExporter(ctx, cfg, stdout)
	if err != nil {
		return nil, err
	}
	if exporter == nil {
		return newMeter(otel.GetMeterProvider().Meter(meterName), nil)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", meterName))),
	)
	otel.SetMeterProvider(provider)

	m, err := newMeter(provider.Meter(meterName), provider)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return m, nil
}

func newExporter(ctx context.Context, cfg config.Metrics, stdout io.Writer) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case "", config.ExporterNone:
		return nil, nil
	case config.ExporterStdout:
		if stdout == nil {
			stdout = os.Stdout
		}
		return stdoutmetric.New(stdoutmetric.WithWriter(stdout))
	case config.ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if strings.Contains(cfg.Endpoint, "://") {
			opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
		} else if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	case config.ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if strings.Contains(cfg.Endpoint, "://") {
			opts = append(opts, otlpmetricgrpc.WithEndpointURL(cfg.Endpoint))
		} else if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}
}

func newMeter(meter metric.Meter, provider *sdkmetric.MeterProvider) (*Meter, error) {
	m := &Meter{provider: provider}

	var err error
	if m.chunks, err = meter.Int64Counter("toolfence.chunks",
		metric.WithDescription("Chunks passed through the tool-call filter"),
		metric.WithUnit("{chunk}"),
	); err != nil {
		return nil, err
	}
	if m.bytesIn, err = meter.Int64Counter("toolfence.bytes.in",
		metric.WithDescription("Bytes received from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.bytesOut, err = meter.Int64Counter("toolfence.bytes.out",
		metric.WithDescription("Bytes released for display"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter("toolfence.tool_calls",
		metric.WithDescription("Tool-call blocks suppressed"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.streams, err = meter.Int64Counter("toolfence.streams",
		metric.WithDescription("Streams finished"),
		metric.WithUnit("{stream}"),
	); err != nil {
		return nil, err
	}
	if m.suppressed, err = meter.Int64Counter("toolfence.tokens.suppressed",
		metric.WithDescription("Estimated tokens hidden from display"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Meter) ObserveChunk(ctx context.Context, _ string, in, out int) {
	m.chunks.Add(ctx, 1)
	m.bytesIn.Add(ctx, int64(in))
	m.bytesOut.Add(ctx, int64(out))
}

func (m *Meter) ObserveTool(ctx context.Context, _ string, tool string) {
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(AttrToolName.String(tool)))
}

func (m *Meter) ObserveFinish(ctx context.Context, _ string, stats relay.Stats) {
	m.streams.Add(ctx, 1)
	if stats.SuppressedTokens > 0 {
		m.suppressed.Add(ctx, int64(stats.SuppressedTokens))
	}
}

// Shutdown flushes and stops the exporter.
func (m *Meter) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
