package authcore

import (
	"testing"
	"time"
)

func TestMetricsIncAndValue(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginSuccess)
	m.Inc(MetricLoginFailure)

	if got := m.Value(MetricLoginSuccess); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := m.Value(MetricLoginFailure); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := m.Value(MetricSessionCreated); got != 0 {
		t.Fatalf("expected untouched counter 0, got %d", got)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.Inc(MetricLoginSuccess)
	m.Observe(MetricValidateLatency, 10*time.Millisecond)

	if m.Enabled() {
		t.Fatal("expected disabled")
	}
	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	snap := m.Snapshot()
	if len(snap.Histograms) != 0 {
		t.Fatal("expected empty histogram snapshot")
	}

	// Nil receiver is safe everywhere.
	var nilMetrics *Metrics
	nilMetrics.Inc(MetricLoginSuccess)
	nilMetrics.Observe(MetricValidateLatency, time.Millisecond)
	if nilMetrics.Enabled() || nilMetrics.LatencyEnabled() {
		t.Fatal("nil metrics must report disabled")
	}
	_ = nilMetrics.Snapshot()
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricLoginSuccess)

	snap := m.Snapshot()
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatalf("expected 1 in snapshot, got %d", snap.Counters[MetricLoginSuccess])
	}
	if len(snap.Counters) != len(MetricIDs()) {
		t.Fatalf("expected %d counters, got %d", len(MetricIDs()), len(snap.Counters))
	}

	m.Inc(MetricLoginSuccess)
	if snap.Counters[MetricLoginSuccess] != 1 {
		t.Fatal("snapshot must not track live counters")
	}
}

func TestMetricsObserveBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	if !m.LatencyEnabled() {
		t.Fatal("expected latency histograms enabled")
	}

	m.Observe(MetricValidateLatency, 3*time.Millisecond)    // bucket 0
	m.Observe(MetricValidateLatency, 20*time.Millisecond)   // bucket 2
	m.Observe(MetricValidateLatency, 20*time.Millisecond)   // bucket 2
	m.Observe(MetricValidateLatency, 2*time.Second)         // overflow
	m.Observe(MetricLoginSuccess, 20*time.Millisecond)      // ignored, no histogram
	m.Observe(MetricValidateLatency, 500*time.Millisecond)  // bucket 6 boundary

	buckets := m.Snapshot().Histograms[MetricValidateLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}

	want := []uint64{1, 0, 2, 0, 0, 0, 1, 1}
	for i, expected := range want {
		if buckets[i] != expected {
			t.Fatalf("bucket %d: expected %d, got %d", i, expected, buckets[i])
		}
	}
}

func TestBucketIndexBoundaries(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{6 * time.Millisecond, 1},
		{10 * time.Millisecond, 1},
		{25 * time.Millisecond, 2},
		{50 * time.Millisecond, 3},
		{100 * time.Millisecond, 4},
		{250 * time.Millisecond, 5},
		{500 * time.Millisecond, 6},
		{501 * time.Millisecond, 7},
		{time.Minute, 7},
	}
	for _, tc := range cases {
		if got := bucketIndex(tc.d); got != tc.want {
			t.Fatalf("%v: expected bucket %d, got %d", tc.d, tc.want, got)
		}
	}
}

func TestHistogramBoundsMatchBucketCount(t *testing.T) {
	// Bounds cover every bucket except the unbounded overflow slot.
	if len(HistogramBounds())+1 != histBucketCount {
		t.Fatalf("expected %d bounds, got %d", histBucketCount-1, len(HistogramBounds()))
	}
}

func TestMetricNamesAreStable(t *testing.T) {
	seen := map[string]MetricID{}
	for _, id := range MetricIDs() {
		name := id.Name()
		if name == "" || name == "unknown" {
			t.Fatalf("metric %d has no name", id)
		}
		if prev, dup := seen[name]; dup {
			t.Fatalf("name %q shared by %d and %d", name, prev, id)
		}
		seen[name] = id
	}
	if MetricID(200).Name() != "unknown" {
		t.Fatal("out-of-range id must be unknown")
	}
}
