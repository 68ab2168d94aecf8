// Package otel publishes twofa engine metrics through an OpenTelemetry
// meter supplied by the caller.
//
// Counters become Int64ObservableCounter instruments. The verify latency
// histogram is published as one gauge per cumulative bucket plus a count.
// A single callback reads the engine snapshot per collection.
package otel
