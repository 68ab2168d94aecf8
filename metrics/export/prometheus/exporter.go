package prometheus

import (
	"context"
	"net/http"
	"time"

	"github.com/MrEthical07/twofa"
	"github.com/MrEthical07/twofa/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsSource interface {
	MetricsSnapshot() twofa.MetricsSnapshot
	AuditDropped() uint64
}

// statisticsSource is implemented by *twofa.Engine. When the source provides
// it, adoption and lockdown gauges are exported as well.
type statisticsSource interface {
	Statistics(ctx context.Context) (*twofa.Statistics, error)
}

// StatisticsTimeout bounds the store reads behind the adoption gauges on
// each scrape.
const StatisticsTimeout = 2 * time.Second

// Collector exposes engine metrics through a prometheus.Collector. Values
// are read from a snapshot on every scrape.
type Collector struct {
	source metricsSource

	counters     []*prometheus.Desc
	histograms   []*prometheus.Desc
	auditDropped *prometheus.Desc

	identities      *prometheus.Desc
	enabled         *prometheus.Desc
	complianceRate  *prometheus.Desc
	activeLockdowns *prometheus.Desc
	pendingRequests *prometheus.Desc
	scrapeErrors    *prometheus.Desc
}

// NewCollector creates a collector reading from engine.
func NewCollector(engine *twofa.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource creates a collector from a custom source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source:       source,
		counters:     make([]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histograms:   make([]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		auditDropped: prometheus.NewDesc(internaldefs.AuditDroppedName, "Dropped audit events due to dispatcher backpressure.", nil, nil),

		identities:      prometheus.NewDesc("twofa_identities", "Known identities.", nil, nil),
		enabled:         prometheus.NewDesc("twofa_identities_enabled", "Identities with two-factor enabled.", nil, nil),
		complianceRate:  prometheus.NewDesc("twofa_compliance_rate_percent", "Share of mandatory-role identities enrolled.", nil, nil),
		activeLockdowns: prometheus.NewDesc("twofa_active_lockdowns", "Identities under administrative lockdown.", nil, nil),
		pendingRequests: prometheus.NewDesc("twofa_pending_emergency_requests", "Emergency recovery requests awaiting review.", nil, nil),
		scrapeErrors:    prometheus.NewDesc("twofa_statistics_scrape_error", "1 when the last statistics read failed.", nil, nil),
	}
	for i, def := range internaldefs.CounterDefs {
		c.counters[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for i, def := range internaldefs.HistogramDefs {
		c.histograms[i] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
	ch <- c.auditDropped
	if _, ok := c.source.(statisticsSource); ok {
		ch <- c.identities
		ch <- c.enabled
		ch <- c.complianceRate
		ch <- c.activeLockdowns
		ch <- c.pendingRequests
		ch <- c.scrapeErrors
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()

	for i, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(c.counters[i], prometheus.CounterValue, float64(snapshot.Counters[def.ID]))
	}
	for i, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		buckets := make(map[float64]uint64, len(internaldefs.HistogramUpperBounds))
		for j, bound := range internaldefs.HistogramUpperBounds {
			buckets[bound] = cumulative[j]
		}
		// Sum is not tracked by the engine.
		ch <- prometheus.MustNewConstHistogram(c.histograms[i], cumulative[len(cumulative)-1], 0, buckets)
	}
	ch <- prometheus.MustNewConstMetric(c.auditDropped, prometheus.CounterValue, float64(c.source.AuditDropped()))

	stats, ok := c.source.(statisticsSource)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), StatisticsTimeout)
	defer cancel()
	st, err := stats.Statistics(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.scrapeErrors, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrors, prometheus.GaugeValue, 0)
	ch <- prometheus.MustNewConstMetric(c.identities, prometheus.GaugeValue, float64(st.TotalIdentities))
	ch <- prometheus.MustNewConstMetric(c.enabled, prometheus.GaugeValue, float64(st.Enabled))
	ch <- prometheus.MustNewConstMetric(c.complianceRate, prometheus.GaugeValue, st.ComplianceRate)
	ch <- prometheus.MustNewConstMetric(c.activeLockdowns, prometheus.GaugeValue, float64(st.ActiveLockdowns))
	ch <- prometheus.MustNewConstMetric(c.pendingRequests, prometheus.GaugeValue, float64(st.PendingEmergencies))
}

// PrometheusExporter owns a registry holding the engine collector plus the
// Go runtime and process collectors.
type PrometheusExporter struct {
	registry  *prometheus.Registry
	collector *Collector
}

// NewPrometheusExporter creates an exporter reading from engine.
func NewPrometheusExporter(engine *twofa.Engine) (*PrometheusExporter, error) {
	return NewPrometheusExporterFromSource(engine)
}

// NewPrometheusExporterFromSource creates an exporter from a custom source.
func NewPrometheusExporterFromSource(source metricsSource) (*PrometheusExporter, error) {
	reg := prometheus.NewRegistry()
	col := NewCollectorFromSource(source)
	for _, c := range []prometheus.Collector{
		col,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return &PrometheusExporter{registry: reg, collector: col}, nil
}

// Registry returns the underlying registry so callers can add collectors.
func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
