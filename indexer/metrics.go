package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful sync
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of sync runs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of sync durations
	syncLatency *prometheus.HistogramVec
	// changedFiles is a Gauge of the number of files changed by the last
	// successful sync
	changedFiles *prometheus.GaugeVec
)

// EnableMetrics will enable metrics collection for sync runs.
// Available metrics are...
//   - index_sync_last_success_timestamp - (tags: repo)
//     A Gauge that captures the Timestamp of the last successful sync per repo.
//   - index_sync_count - (tags: repo,outcome)
//     A Counter for each sync run tagged with the result (noop|updated|conflict|error)
//   - index_sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of the sync latency per repo.
//   - index_sync_changed_files - (tags: repo)
//     A Gauge with the number of changed files found by the last successful sync.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastSyncTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "index_sync_last_success_timestamp",
		Help:      "Timestamp of the last successful index sync",
	},
		[]string{
			// name of the repository
			"repo",
		},
	)

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "index_sync_count",
		Help:      "Count of index sync runs",
	},
		[]string{
			// name of the repository
			"repo",
			// result of the run
			"outcome",
		},
	)

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "index_sync_latency_seconds",
		Help:      "Latency for index sync",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			// name of the repository
			"repo",
		},
	)

	changedFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "index_sync_changed_files",
		Help:      "Number of files changed since the previous sync",
	},
		[]string{
			// name of the repository
			"repo",
		},
	)

	registerer.MustRegister(
		lastSyncTimestamp,
		syncCount,
		syncLatency,
		changedFiles,
	)
}

// recordSync records a sync attempt by updating all the relevant metrics
func recordSync(repo string, out *Outcome, err error) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil || changedFiles == nil {
		return
	}

	outcome := "error"
	switch {
	case err == nil:
		outcome = string(out.Status)
	case IsConflict(err):
		outcome = "conflict"
	}

	if err == nil {
		lastSyncTimestamp.WithLabelValues(repo).Set(float64(time.Now().Unix()))
		changedFiles.WithLabelValues(repo).Set(float64(len(out.ChangedFiles)))
	}
	syncCount.WithLabelValues(repo, outcome).Inc()
}

func updateSyncLatency(repo string, start time.Time) {
	// if metrics not enabled return
	if syncLatency == nil {
		return
	}
	syncLatency.WithLabelValues(repo).Observe(time.Since(start).Seconds())
}
