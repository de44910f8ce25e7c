// ============================================================================
// Raftcore Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose replication-core metrics for Prometheus
//
// Metric Categories:
//
//   1. Term/leader gauges - instantaneous facts about this node's view of
//      the cluster:
//      - raft_term: current term
//      - raft_leader_changes_total: counter of observed leader changes
//
//   2. AppendEntries outcome counters:
//      - raft_append_entries_total{result="success|conflict|stale_term"}
//      - raft_append_entries_latency_seconds: handler latency distribution
//
//   3. Replication progress gauges:
//      - raft_commit_index
//      - raft_applied_index
//
//   4. Storage health:
//      - raft_storage_errors_total: every error returned by a LogStore
//        call, which this core treats as fatal
//
// Prometheus Query Examples:
//
//   # AppendEntries success rate
//   rate(raft_append_entries_total{result="success"}[1m])
//     / rate(raft_append_entries_total[1m])
//
//   # 95th percentile AppendEntries latency
//   histogram_quantile(0.95, raft_append_entries_latency_seconds_bucket)
//
//   # Apply lag
//   raft_commit_index - raft_applied_index
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one NodeCore. It satisfies
// internal/core.MetricsSink structurally — core never imports this package.
type Collector struct {
	term          prometheus.Gauge
	leaderChanges prometheus.Counter

	appendEntriesTotal   *prometheus.CounterVec
	appendEntriesLatency prometheus.Histogram

	commitIndex  prometheus.Gauge
	appliedIndex prometheus.Gauge

	storageErrors prometheus.Counter
}

// NewCollector builds and registers a Collector against reg. Pass
// prometheus.DefaultRegisterer in production; tests should pass a fresh
// prometheus.NewRegistry() to avoid duplicate-registration panics across
// test cases in the same process.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raft_term",
			Help: "Current term this node believes is in force",
		}),
		leaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raft_leader_changes_total",
			Help: "Number of times this node observed a new leader id in AppendEntries",
		}),
		appendEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raft_append_entries_total",
			Help: "Total AppendEntries requests handled, by outcome",
		}, []string{"result"}),
		appendEntriesLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "raft_append_entries_latency_seconds",
			Help:    "AppendEntriesHandler latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raft_commit_index",
			Help: "Highest log index this node believes is committed",
		}),
		appliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "raft_applied_index",
			Help: "Highest log index applied to the state machine",
		}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raft_storage_errors_total",
			Help: "Total LogStore errors observed; each one is treated as fatal",
		}),
	}

	reg.MustRegister(
		c.term,
		c.leaderChanges,
		c.appendEntriesTotal,
		c.appendEntriesLatency,
		c.commitIndex,
		c.appliedIndex,
		c.storageErrors,
	)

	return c
}

// TermChanged records a new current term.
func (c *Collector) TermChanged(term uint64) {
	c.term.Set(float64(term))
}

// LeaderChanged records that this node observed a different leader id.
func (c *Collector) LeaderChanged() {
	c.leaderChanges.Inc()
}

// AppendEntriesResult records the outcome and latency of one handled
// AppendEntries request.
func (c *Collector) AppendEntriesResult(success, conflict bool, latency time.Duration) {
	result := "stale_term"
	switch {
	case success:
		result = "success"
	case conflict:
		result = "conflict"
	}
	c.appendEntriesTotal.WithLabelValues(result).Inc()
	c.appendEntriesLatency.Observe(latency.Seconds())
}

// CommitIndexSet records the current commit index.
func (c *Collector) CommitIndexSet(index uint64) {
	c.commitIndex.Set(float64(index))
}

// AppliedIndexSet records the current applied index.
func (c *Collector) AppliedIndexSet(index uint64) {
	c.appliedIndex.Set(float64(index))
}

// StorageError records one fatal LogStore failure.
func (c *Collector) StorageError() {
	c.storageErrors.Inc()
}

// StartServer starts the Prometheus metrics HTTP server on port, serving
// the default registry. It blocks; callers run it in its own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
