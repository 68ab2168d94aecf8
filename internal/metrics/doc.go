// Package metrics counts second-factor outcomes for the twofa engine.
//
// Every verification, gate decision, escalation and recovery action maps
// onto one [MetricID]. Counters sit in their own cache line so that the gate
// pass counter, which is hit on every protected request, does not contend
// with the rarer verify and lockdown counters. [MetricVerifyLatency] is the
// only histogram; its eight buckets run from 5ms to +Inf (see [BucketIndex]).
//
// A disabled or nil [Metrics] accepts every call and records nothing.
// Exporters under metrics/export read [Snapshot] values and never touch the
// counters directly; this package does no I/O of its own.
package metrics
