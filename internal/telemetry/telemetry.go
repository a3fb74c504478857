package telemetry

import (
	"context"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Params configures tracing. Without an Endpoint spans are sampled and
// dropped, so instrumented code runs unchanged.
type Params struct {
	ServiceName string
	Version     string
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown
// function.
func Init(ctx context.Context, p Params) (func(context.Context) error, error) {
	if p.ServiceName == "" {
		p.ServiceName = "curator"
	}
	if p.SampleRatio <= 0 || p.SampleRatio > 1 {
		p.SampleRatio = 1
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", p.ServiceName),
		attribute.String("service.version", p.Version),
	)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.SampleRatio))),
		sdktrace.WithResource(res),
	}

	endpoint := strings.TrimSpace(p.Endpoint)
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint, p)...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Info("[Telemetry] tracing initialized", "service", p.ServiceName, "endpoint", endpoint)
	return tp.Shutdown, nil
}

func exporterOptions(endpoint string, p Params) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if p.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(p.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(p.Headers))
	}
	return opts
}

// ParseHeaders reads "k1=v1,k2=v2" as used by OTEL_EXPORTER_OTLP_HEADERS.
func ParseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}
