// Package tracing installs the OpenTelemetry tracer provider used by the
// orchestrator's lifecycle spans. Spans are written as JSON by the stdout
// exporter.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/c360/nodeflows/errors"
)

// NewProvider builds a provider exporting every span to w
func NewProvider(serviceName, serviceVersion string, w io.Writer) (*sdktrace.TracerProvider, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, errors.WrapFatal(err, "tracing", "NewProvider", "create stdout exporter")
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "tracing", "NewProvider", "build resource")
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// Init installs a provider as the global one. Spans go to outputFile, or to
// stdout when it is empty. The returned function flushes and shuts it down.
func Init(serviceName, serviceVersion, outputFile string) (func(context.Context) error, error) {
	var w io.Writer = os.Stdout
	var file *os.File
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "tracing", "Init", "create trace output file")
		}
		w, file = f, f
	}

	tp, err := NewProvider(serviceName, serviceVersion, w)
	if err != nil {
		if file != nil {
			_ = file.Close()
		}
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if file != nil {
			err = errors.Join(err, file.Close())
		}
		return err
	}, nil
}
