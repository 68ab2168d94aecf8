package twofa

import (
	"testing"
	"time"
)

// verifyOutcomeMetrics is the counter mix a busy gate plus verify path
// produces per request.
var verifyOutcomeMetrics = [...]MetricID{
	MetricGatePass,
	MetricGatePass,
	MetricGatePass,
	MetricGateVerificationRequired,
	MetricVerifySuccess,
	MetricVerifyFailure,
	MetricRateLimitHit,
	MetricSessionExpired,
}

func BenchmarkMetricsGatePass(b *testing.B) {
	for _, enabled := range []bool{true, false} {
		name := "enabled"
		if !enabled {
			name = "disabled"
		}
		b.Run(name, func(b *testing.B) {
			m := NewMetrics(MetricsConfig{Enabled: enabled})
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					m.Inc(MetricGatePass)
				}
			})
		})
	}
}

func BenchmarkMetricsVerifyOutcomeMix(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := verifyOutcomeMetrics[i%len(verifyOutcomeMetrics)]
			m.Inc(id)
			if id == MetricVerifySuccess || id == MetricVerifyFailure {
				m.Observe(MetricVerifyLatency, time.Duration(i%600)*time.Millisecond)
			}
			i++
		}
	})
}

func BenchmarkMetricsSnapshot(b *testing.B) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	for _, id := range verifyOutcomeMetrics {
		m.Inc(id)
	}
	m.Observe(MetricVerifyLatency, 20*time.Millisecond)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		snap := m.Snapshot()
		if snap.Counters[MetricGatePass] != 3 {
			b.Fatalf("unexpected gate pass count %d", snap.Counters[MetricGatePass])
		}
	}
}
