package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authcore "github.com/synergyhub/authcore"
)

const namespace = "authcore"

// Source is the metrics surface the collector reads. [authcore.Engine]
// satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

// Collector adapts engine counters to a [prometheus.Collector]. Every
// scrape takes a fresh snapshot; the collector holds no counter state of
// its own.
type Collector struct {
	source Source

	counterDescs map[authcore.MetricID]*prometheus.Desc
	latencyDesc  *prometheus.Desc
	droppedDesc  *prometheus.Desc
}

// NewCollector builds a collector over an engine or any other [Source].
// Register it in a caller-owned registry; this package never touches the
// global one.
func NewCollector(source Source) *Collector {
	descs := make(map[authcore.MetricID]*prometheus.Desc)
	for _, id := range authcore.MetricIDs() {
		if id == authcore.MetricValidateLatency {
			continue
		}
		descs[id] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", id.Name()),
			helpFor(id),
			nil, nil,
		)
	}

	return &Collector{
		source:       source,
		counterDescs: descs,
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_validate_duration_ms"),
			"Session validation latency in milliseconds.",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "audit_dispatcher_dropped_total"),
			"Audit events discarded due to dispatcher backpressure.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.counterDescs {
		ch <- desc
	}
	ch <- c.latencyDesc
	ch <- c.droppedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot := c.source.MetricsSnapshot()

	for id, desc := range c.counterDescs {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(snapshot.Counters[id]))
	}

	if raw, ok := snapshot.Histograms[authcore.MetricValidateLatency]; ok {
		buckets, count := cumulativeBuckets(raw)
		// The engine tracks bucket counts only, so the sum is reported as
		// zero; rate queries on buckets stay correct.
		ch <- prometheus.MustNewConstHistogram(c.latencyDesc, count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler returns a scrape endpoint backed by a private registry.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// cumulativeBuckets converts the engine's per-bucket counts to the
// cumulative form const histograms expect. The final overflow bucket only
// contributes to the total count.
func cumulativeBuckets(raw []uint64) (map[float64]uint64, uint64) {
	bounds := authcore.HistogramBounds()
	buckets := make(map[float64]uint64, len(bounds))

	var running uint64
	for i, bound := range bounds {
		if i < len(raw) {
			running += raw[i]
		}
		buckets[float64(bound)] = running
	}

	total := running
	if len(raw) > len(bounds) {
		total += raw[len(raw)-1]
	}

	return buckets, total
}

func helpFor(id authcore.MetricID) string {
	switch id {
	case authcore.MetricLoginSuccess:
		return "Successful logins, including completed two-factor logins."
	case authcore.MetricLoginFailure:
		return "Failed login attempts from unknown emails or wrong passwords."
	case authcore.MetricLoginLocked:
		return "Logins rejected or locks imposed by the brute-force policy."
	case authcore.MetricTwoFactorRequired:
		return "Logins suspended pending a second factor."
	case authcore.MetricSessionValidateSuccess:
		return "Session token validations that passed every check."
	case authcore.MetricSessionValidateFailure:
		return "Session token validations rejected for any reason."
	case authcore.MetricRateLimitHit:
		return "Requests refused by any rate limit window."
	default:
		return "Total " + id.Name() + " events."
	}
}
