// Package metrics provides process counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds runtime counters for comply.
type Metrics struct {
	// Check lifecycle
	ChecksStarted   atomic.Int64
	ChecksCompleted atomic.Int64
	ChecksFailed    atomic.Int64
	QuotaRejections atomic.Int64
	OffTopic        atomic.Int64

	// Background reconciliation
	SyncFailures       atomic.Int64
	ReconcileApplied   atomic.Int64
	ReconcileDiscarded atomic.Int64

	// Cache reads
	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	LastAnalysisMs atomic.Int64

	startTime time.Time
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// New creates an empty metrics set.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// RecordAnalysis records one analysis call and its duration.
func (m *Metrics) RecordAnalysis(success bool, duration time.Duration) {
	if success {
		m.ChecksCompleted.Add(1)
	} else {
		m.ChecksFailed.Add(1)
	}
	m.LastAnalysisMs.Store(duration.Milliseconds())
}

// RecordReconcile records whether a background reconciliation was applied.
func (m *Metrics) RecordReconcile(applied bool) {
	if applied {
		m.ReconcileApplied.Add(1)
	} else {
		m.ReconcileDiscarded.Add(1)
	}
}

// RecordCache records a cache read.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheHits.Add(1)
	} else {
		m.CacheMisses.Add(1)
	}
}

type sample struct {
	name, help, kind string
	value            int64
}

func (m *Metrics) samples() []sample {
	return []sample{
		{"comply_checks_started_total", "Checks that entered analysis", "counter", m.ChecksStarted.Load()},
		{"comply_checks_completed_total", "Checks that produced a verdict", "counter", m.ChecksCompleted.Load()},
		{"comply_checks_failed_total", "Checks that ended in error", "counter", m.ChecksFailed.Load()},
		{"comply_quota_rejections_total", "Checks rejected by the monthly quota", "counter", m.QuotaRejections.Load()},
		{"comply_off_topic_total", "Checks rejected as off-topic", "counter", m.OffTopic.Load()},
		{"comply_sync_failures_total", "Background store writes or refetches that failed", "counter", m.SyncFailures.Load()},
		{"comply_reconcile_applied_total", "Reconciliations applied to local state", "counter", m.ReconcileApplied.Load()},
		{"comply_reconcile_discarded_total", "Reconciliations superseded by newer state", "counter", m.ReconcileDiscarded.Load()},
		{"comply_cache_hits_total", "Usage and history cache hits", "counter", m.CacheHits.Load()},
		{"comply_cache_misses_total", "Usage and history cache misses", "counter", m.CacheMisses.Load()},
		{"comply_last_analysis_duration_ms", "Duration of the last analysis call", "gauge", m.LastAnalysisMs.Load()},
	}
}

// WriteTo writes all metrics in the Prometheus text format.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := fmt.Fprintf(w, "# HELP comply_uptime_seconds Time since start\n# TYPE comply_uptime_seconds gauge\ncomply_uptime_seconds %.2f\n\n",
		time.Since(m.startTime).Seconds())
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, s := range m.samples() {
		n, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %d\n\n", s.name, s.help, s.name, s.kind, s.name, s.value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Handler returns an HTTP handler for /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m.WriteTo(w)
	}
}
