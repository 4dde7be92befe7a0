package authcore

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one in-process counter. IDs are dense and stable
// within a release; exporters iterate [MetricID] 0..n via [MetricIDs].
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLocked
	MetricLoginRateLimited
	MetricTwoFactorRequired
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricChallengeExpired
	MetricBackupCodeUsed
	MetricBackupCodeFailed
	MetricBackupCodeRegenerated
	MetricSessionCreated
	MetricSessionRevoked
	MetricSessionRevokedAll
	MetricSessionValidateSuccess
	MetricSessionValidateFailure
	MetricPasswordChangeSuccess
	MetricPasswordChangeFailure
	MetricPasswordResetRequest
	MetricPasswordResetConfirmSuccess
	MetricPasswordResetConfirmFailure
	MetricEmailVerificationRequest
	MetricEmailVerificationSuccess
	MetricEmailVerificationFailure
	MetricRateLimitHit
	MetricAuditDropped
	MetricNotifyDropped
	MetricValidateLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricLoginSuccess:                "login_success_total",
	MetricLoginFailure:                "login_failure_total",
	MetricLoginLocked:                 "login_locked_total",
	MetricLoginRateLimited:            "login_rate_limited_total",
	MetricTwoFactorRequired:           "two_factor_required_total",
	MetricTwoFactorSuccess:            "two_factor_success_total",
	MetricTwoFactorFailure:            "two_factor_failure_total",
	MetricChallengeExpired:            "two_factor_challenge_expired_total",
	MetricBackupCodeUsed:              "backup_code_used_total",
	MetricBackupCodeFailed:            "backup_code_failed_total",
	MetricBackupCodeRegenerated:       "backup_code_regenerated_total",
	MetricSessionCreated:              "session_created_total",
	MetricSessionRevoked:              "session_revoked_total",
	MetricSessionRevokedAll:           "session_revoked_all_total",
	MetricSessionValidateSuccess:      "session_validate_success_total",
	MetricSessionValidateFailure:      "session_validate_failure_total",
	MetricPasswordChangeSuccess:       "password_change_success_total",
	MetricPasswordChangeFailure:       "password_change_failure_total",
	MetricPasswordResetRequest:        "password_reset_request_total",
	MetricPasswordResetConfirmSuccess: "password_reset_confirm_success_total",
	MetricPasswordResetConfirmFailure: "password_reset_confirm_failure_total",
	MetricEmailVerificationRequest:    "email_verification_request_total",
	MetricEmailVerificationSuccess:    "email_verification_success_total",
	MetricEmailVerificationFailure:    "email_verification_failure_total",
	MetricRateLimitHit:                "rate_limit_hit_total",
	MetricAuditDropped:                "audit_dropped_total",
	MetricNotifyDropped:               "notify_dropped_total",
	MetricValidateLatency:             "session_validate_duration_ms",
}

// Name returns the stable snake_case name exporters publish under.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// MetricIDs returns every counter ID in registration order.
func MetricIDs() []MetricID {
	ids := make([]MetricID, 0, int(metricIDCount))
	for id := MetricID(0); id < metricIDCount; id++ {
		ids = append(ids, id)
	}
	return ids
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's lock-free outcome counters. The write path is
// a single atomic add with no allocation.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters. Exporters read
// snapshots; they never touch live counters.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a validation latency sample. Only MetricValidateLatency
// carries a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricValidateLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricValidateLatency].buckets[i])
		}
		s.Histograms[MetricValidateLatency] = buckets
	}

	return s
}

// HistogramBounds returns the upper bounds, in milliseconds, of the latency
// buckets. The last bucket is unbounded.
func HistogramBounds() []int64 {
	return []int64{5, 10, 25, 50, 100, 250, 500}
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
