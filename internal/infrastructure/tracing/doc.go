// Package tracing sets up the OpenTelemetry tracer provider for the bridge.
//
// When tracing is enabled, spans from vendor API calls and HTTP API
// requests are exported to stdout (or dropped with exporter "none").
// When it is disabled a no-op provider is installed, so instrumented
// code never needs to check.
//
//	tracing:
//	  enabled: true
//	  exporter: "stdout"   # stdout, none
//	  sampling_rate: 1.0
package tracing
