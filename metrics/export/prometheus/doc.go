// Package prometheus exposes authcore engine metrics as a
// [prometheus.Collector].
//
// [NewCollector] wraps an [authcore.Engine] (or any Source) and renders
// every counter plus the validation latency histogram on each scrape.
// Nothing is registered globally; callers either register the collector
// in their own registry or mount [Collector.Handler] directly.
package prometheus
