// Package telemetry wraps OpenTelemetry SDK initialization, providing a
// centralized TracerProvider and MeterProvider configuration for the
// gateway. When telemetry is disabled, it falls back to noop
// implementations and never dials an external collector.
package telemetry
