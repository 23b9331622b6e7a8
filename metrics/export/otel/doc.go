// Package otel publishes authguard counters as OpenTelemetry observable
// instruments.
//
// [NewOTelExporter] registers one Int64ObservableCounter per counter family,
// with the family's label carried as an attribute, plus
// authguard_audit_events_total{severity} and
// authguard_audit_failures_total{reason}. A single callback reads the
// engine snapshot and audit stats on each collection. Callers own the
// MeterProvider.
package otel
