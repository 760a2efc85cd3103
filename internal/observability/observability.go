// Package observability configures process-wide logging and trace context
// propagation.
//
// The "text" and "json" formats write slog records to stderr. The "otel"
// format routes slog through the OpenTelemetry logs SDK: records are
// exported over OTLP when OTEL_EXPORTER_OTLP_ENDPOINT (or the logs-specific
// variant) is set, and printed to stderr otherwise.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "apiconn"

// ShutdownFunc flushes and releases telemetry resources.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger and the global trace context
// propagator. The returned function must be called before exit so buffered
// records are flushed.
func Instrument(ctx context.Context, level slog.Level, format string) (ShutdownFunc, error) {
	return instrument(ctx, level, format, os.Stderr, os.Getenv)
}

func instrument(ctx context.Context, level slog.Level, format string, w io.Writer, getenv func(string) string) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := func(context.Context) error { return nil }

	switch format {
	case "text", "":
		slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
		return noop, nil

	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
		return noop, nil

	case "otel":
		provider, err := newLoggerProvider(ctx, level, w, getenv)
		if err != nil {
			return nil, err
		}
		global.SetLoggerProvider(provider)
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			// Export failures must not recurse into the exporter.
			_, _ = fmt.Fprintf(w, "opentelemetry: %v\n", err)
		}))
		slog.SetDefault(otelslog.NewLogger(ServiceName, otelslog.WithLoggerProvider(provider)))

		return func(ctx context.Context) error {
			if err := provider.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("shutting down logger provider: %w", err)
			}
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func newLoggerProvider(ctx context.Context, level slog.Level, w io.Writer, getenv func(string) string) (*sdklog.LoggerProvider, error) {
	exporter, batched, err := newExporter(ctx, w, getenv)
	if err != nil {
		return nil, err
	}

	var processor sdklog.Processor
	if batched {
		processor = sdklog.NewBatchProcessor(exporter)
	} else {
		processor = sdklog.NewSimpleProcessor(exporter)
	}

	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(level))),
	), nil
}

// newExporter picks the OTLP exporter named by OTEL_EXPORTER_OTLP_PROTOCOL
// when an endpoint is configured, and stdout otherwise. Only network
// exporters are batched.
func newExporter(ctx context.Context, w io.Writer, getenv func(string) string) (sdklog.Exporter, bool, error) {
	if getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
		exporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
		if err != nil {
			return nil, false, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return exporter, false, nil
	}

	protocol := getenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL")
	if protocol == "" {
		protocol = getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	}

	switch protocol {
	case "grpc":
		exporter, err := otlploggrpc.New(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("creating OTLP gRPC log exporter: %w", err)
		}
		return exporter, true, nil
	case "", "http/protobuf":
		exporter, err := otlploghttp.New(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("creating OTLP HTTP log exporter: %w", err)
		}
		return exporter, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// severity maps a slog level to the minimum OpenTelemetry severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
