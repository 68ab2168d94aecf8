package twofa

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricVerifySuccess)

	if got := m.Value(MetricVerifySuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricGatePass)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricGatePass); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}

	for _, d := range observations {
		m.Observe(MetricVerifyLatency, d)
	}

	buckets := m.Snapshot().Histograms[MetricVerifyLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
}

func TestEngineMetricsFollowOutcomes(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := clientCtx("10.0.0.1")

	_, _ = env.engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: wrongTOTP(env.totpNow(t))})
	if _, err := env.engine.Verify(ctx, VerifyRequest{SessionID: "s1", IdentityID: "u2", Code: env.totpNow(t)}); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, err := env.engine.Evaluate(ctx, GateRequest{IdentityID: "u2", SessionID: "s1", Path: "/x"}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricVerifyFailure] != 1 || snap.Counters[MetricVerifySuccess] != 1 {
		t.Fatalf("unexpected verify counters: %+v", snap.Counters)
	}
	if snap.Counters[MetricGatePass] != 1 {
		t.Fatalf("expected one gate pass, got %d", snap.Counters[MetricGatePass])
	}
	var observed uint64
	for _, v := range snap.Histograms[MetricVerifyLatency] {
		observed += v
	}
	if observed != 2 {
		t.Fatalf("expected two latency observations, got %d", observed)
	}
}

func TestEngineMetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	env := newTestEnv(t, cfg)

	if _, err := env.engine.Evaluate(clientCtx("10.0.0.1"), GateRequest{Path: "/x"}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricGatePass]; got != 0 {
		t.Fatalf("expected no counting when disabled, got %d", got)
	}
}
