// Package prometheus exports twofa engine metrics with client_golang.
//
// [Collector] turns an engine snapshot into const metrics on every scrape:
// twofa_*_total counters, the twofa_verify_latency_seconds histogram and,
// when the source is a full engine, adoption and lockdown gauges.
// [PrometheusExporter] wraps it in a private registry and serves it.
//
// Nothing is registered in the global default registry.
package prometheus
