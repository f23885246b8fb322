// Package telemetry configures OpenTelemetry tracing. With no endpoint configured the global
// no-op provider stays in place and spans cost nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"cloudemu/pkg/log"
)

const (
	// TracerName names the tracer the gateway starts handler spans with.
	TracerName = "cloudemu"

	exportTimeout = 10 * time.Second
	defaultPort   = "4318"
)

// Provider owns the tracer provider installed by Setup.
type Provider struct {
	tp *sdktrace.TracerProvider
}

type errorHandler struct{}

func (errorHandler) Handle(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry exporter error")
	}
}

// Target is a parsed OTLP/HTTP collector address.
type Target struct {
	Endpoint string
	Path     string
	Insecure bool
}

// ParseEndpoint accepts host, host:port or an http(s) URL. Plain hosts are insecure.
func ParseEndpoint(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			raw = net.JoinHostPort(raw, defaultPort)
		}
		return Target{Endpoint: raw, Insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	t := Target{Endpoint: u.Host, Path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "http":
		t.Insecure = true
	case "https":
	default:
		return Target{}, fmt.Errorf("telemetry: unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		t.Endpoint = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return t, nil
}

// Setup installs an OTLP/HTTP tracer provider when endpoint is set. The returned Provider is
// never nil; its Shutdown is safe to call when tracing is disabled.
func Setup(ctx context.Context, endpoint, version string) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if strings.TrimSpace(endpoint) == "" {
		return &Provider{}, nil
	}
	target, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName(TracerName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(target.Endpoint),
		otlptracehttp.WithTimeout(exportTimeout),
	}
	if target.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if target.Path != "" {
		opts = append(opts, otlptracehttp.WithURLPath(target.Path))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetErrorHandler(errorHandler{})
	log.Info().Str("endpoint", target.Endpoint).Bool("insecure", target.Insecure).Msg("Tracing enabled")
	return &Provider{tp: tp}, nil
}

// Tracer returns the tracer handlers are traced with.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	return nil
}
