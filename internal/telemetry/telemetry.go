// Package telemetry wires OpenTelemetry metrics for the dispatcher.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ShutdownFunc flushes and releases telemetry resources.
type ShutdownFunc func(context.Context) error

// Config controls metric export.
type Config struct {
	// Exporter is "stdout" or "none".
	Exporter string
	// Interval is the export period. Zero means one minute.
	Interval time.Duration
	// Writer receives stdout exports. Nil means os.Stderr.
	Writer io.Writer
}

// Init installs a global MeterProvider according to cfg. With the "none"
// exporter it leaves the no-op global provider in place.
func Init(cfg Config) (ShutdownFunc, error) {
	switch cfg.Exporter {
	case "none":
		return func(context.Context) error { return nil }, nil
	case "", "stdout":
	default:
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
