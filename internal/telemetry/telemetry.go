package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ChatPortal/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// rotatingFile returns a lumberjack writer with the shared rotation policy
func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation.
// With console set, records are also written to stderr.
func InitLogger(logDir string, debug, console bool) (*slog.Logger, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatingFile(logDir, "chatportal.log")

	var w io.Writer = logFile
	if console {
		w = io.MultiWriter(os.Stderr, logFile)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	cleanup := func() {
		if err := logFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log file: %v\n", err)
		}
	}

	return logger, cleanup, nil
}

// Providers bundles the tracer and meter handed to the rest of the program
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// InitTelemetry initializes OpenTelemetry tracing and metrics.
// Traces go to OTLP/HTTP when an endpoint is configured, otherwise to a
// rotated file under logDir. Metrics are written to a rotated file every 10 seconds.
func InitTelemetry(ctx context.Context, logDir string, cfg config.TelemetryConfig) (Providers, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.AppName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return Providers{}, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	var closers []io.Closer

	var traceExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		traceExporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return Providers{}, nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
	} else {
		traceFile := rotatingFile(logDir, "chatportal_traces.log")
		closers = append(closers, traceFile)
		traceExporter, err = stdouttrace.New(
			stdouttrace.WithWriter(traceFile),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return Providers{}, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricsFile := rotatingFile(logDir, "chatportal_metrics.log")
	closers = append(closers, metricsFile)

	metricExporter, err := stdoutmetric.New(
		stdoutmetric.WithWriter(metricsFile),
		stdoutmetric.WithPrettyPrint(),
	)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	providers := Providers{
		Tracer: tp.Tracer(cfg.AppName),
		Meter:  mp.Meter(cfg.AppName),
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown meter provider", "error", err)
		}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Error("failed to close telemetry file", "error", err)
			}
		}
	}

	return providers, cleanup, nil
}

// RecordStartup emits a single span describing the running application
func RecordStartup(ctx context.Context, tracer trace.Tracer, cfg config.TelemetryConfig) {
	_, span := tracer.Start(ctx, "application-start-span")
	defer span.End()

	span.SetAttributes(
		attribute.String("app.name", cfg.AppName),
		attribute.String("app.version", cfg.Version),
		attribute.String("environment", cfg.Environment),
	)
	if cfg.Region != "" {
		span.SetAttributes(attribute.String("region", cfg.Region))
	}
	if cfg.Team != "" {
		span.SetAttributes(attribute.String("team", cfg.Team))
	}
}
