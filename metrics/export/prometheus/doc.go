// Package prometheus renders authguard counters in the Prometheus text
// exposition format.
//
// Engine counters are grouped into labelled families such as
// authguard_token_verifications_total{result="invalid"}. Audit activity is
// published as authguard_audit_events_total{severity} and
// authguard_audit_failures_total{reason}. Mount [PrometheusExporter.Handler]
// on a scrape route; nothing is registered in a global registry.
package prometheus
