package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	snapshot twofa.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() twofa.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                   { return f.dropped }

type statsSource struct {
	fakeSource
	stats *twofa.Statistics
	err   error
}

func (s statsSource) Statistics(context.Context) (*twofa.Statistics, error) { return s.stats, s.err }

func scrape(t *testing.T, exp *PrometheusExporter) (string, http.Header) {
	t.Helper()
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body), rec.Header()
}

func TestExporterRendersCountersAndHistogram(t *testing.T) {
	exp, err := NewPrometheusExporterFromSource(fakeSource{
		snapshot: twofa.MetricsSnapshot{
			Counters: map[twofa.MetricID]uint64{
				twofa.MetricVerifySuccess: 7,
			},
			Histograms: map[twofa.MetricID][]uint64{
				twofa.MetricVerifyLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})
	if err != nil {
		t.Fatalf("NewPrometheusExporterFromSource failed: %v", err)
	}

	out, header := scrape(t, exp)
	for _, want := range []string{
		"twofa_verify_success_total 7",
		"twofa_verify_failure_total 0",
		`twofa_verify_latency_seconds_bucket{le="0.005"} 1`,
		`twofa_verify_latency_seconds_bucket{le="+Inf"} 36`,
		"twofa_verify_latency_seconds_count 36",
		"twofa_audit_dropped_total 2",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "twofa_active_lockdowns") {
		t.Fatal("statistics gauges must be absent without a statistics source")
	}
	if got := header.Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text exposition content type, got %q", got)
	}
}

func TestCollectorMetricCount(t *testing.T) {
	col := NewCollectorFromSource(fakeSource{snapshot: twofa.MetricsSnapshot{
		Counters:   map[twofa.MetricID]uint64{},
		Histograms: map[twofa.MetricID][]uint64{},
	}})
	want := len(internaldefs.CounterDefs) + len(internaldefs.HistogramDefs) + 1
	if got := testutil.CollectAndCount(col); got != want {
		t.Fatalf("expected %d metrics, got %d", want, got)
	}
}

func TestCollectorStatisticsGauges(t *testing.T) {
	exp, err := NewPrometheusExporterFromSource(statsSource{
		fakeSource: fakeSource{snapshot: twofa.MetricsSnapshot{
			Counters:   map[twofa.MetricID]uint64{},
			Histograms: map[twofa.MetricID][]uint64{},
		}},
		stats: &twofa.Statistics{TotalIdentities: 4, Enabled: 2, ComplianceRate: 50, ActiveLockdowns: 1, PendingEmergencies: 3},
	})
	if err != nil {
		t.Fatalf("NewPrometheusExporterFromSource failed: %v", err)
	}

	out, _ := scrape(t, exp)
	for _, want := range []string{
		"twofa_identities 4",
		"twofa_identities_enabled 2",
		"twofa_compliance_rate_percent 50",
		"twofa_active_lockdowns 1",
		"twofa_pending_emergency_requests 3",
		"twofa_statistics_scrape_error 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestCollectorStatisticsFailureFlagged(t *testing.T) {
	col := NewCollectorFromSource(statsSource{
		fakeSource: fakeSource{snapshot: twofa.MetricsSnapshot{
			Counters:   map[twofa.MetricID]uint64{},
			Histograms: map[twofa.MetricID][]uint64{},
		}},
		err: errors.New("redis down"),
	})
	expected := `
# HELP twofa_statistics_scrape_error 1 when the last statistics read failed.
# TYPE twofa_statistics_scrape_error gauge
twofa_statistics_scrape_error 1
`
	if err := testutil.CollectAndCompare(col, strings.NewReader(expected), "twofa_statistics_scrape_error"); err != nil {
		t.Fatalf("unexpected scrape error gauge: %v", err)
	}
}
