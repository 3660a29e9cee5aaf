// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fruitsalade/drivesync/pkg/driver"
)

var (
	// Sync metrics
	syncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_sync_passes_total",
			Help: "Total sync passes by outcome",
		},
		[]string{"status"},
	)

	syncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drivesync_sync_pass_duration_seconds",
			Help:    "Duration of completed sync passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	changesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_changes_applied_total",
			Help: "Change events emitted by kind",
		},
		[]string{"kind"},
	)

	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivesync_conflicts_total",
			Help: "Change records rejected or shadowed as conflicts",
		},
	)

	indexSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_path_index_size",
			Help: "Number of nodes reachable through the path index",
		},
	)

	indexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_path_index_rebuilds_total",
			Help: "Full path index rebuilds by reason",
		},
		[]string{"reason"},
	)

	subscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_event_subscribers_active",
			Help: "Active change event subscribers",
		},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivesync_events_dropped_total",
			Help: "Events dropped for slow subscribers",
		},
	)

	// Store metrics
	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivesync_store_op_duration_seconds",
			Help:    "Node store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	storeMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_store_mutations_total",
			Help: "Committed node mutations",
		},
		[]string{"op"},
	)

	// Driver metrics
	driverCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivesync_driver_call_duration_seconds",
			Help:    "Driver call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	driverCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_driver_calls_total",
			Help: "Total driver calls",
		},
		[]string{"op", "status"},
	)

	driverRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_driver_retries_total",
			Help: "Retries after transient driver errors",
		},
		[]string{"op"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivesync_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drivesync_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivesync_transfers_total",
			Help: "Total transfers",
		},
		[]string{"direction", "status"},
	)

	transfersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivesync_transfers_active",
			Help: "Transfers currently running",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case driver.IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}

// RecordSyncPass records the outcome of a sync pass.
func RecordSyncPass(duration time.Duration, err error) {
	syncPassesTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		syncPassDuration.Observe(duration.Seconds())
	}
}

// RecordChange records one emitted change event.
func RecordChange(kind string) {
	changesAppliedTotal.WithLabelValues(kind).Inc()
}

// RecordConflict records a conflict.
func RecordConflict() {
	conflictsTotal.Inc()
}

// SetIndexSize sets the current path index size.
func SetIndexSize(n int) {
	indexSize.Set(float64(n))
}

// SetSubscribers sets the number of event subscribers.
func SetSubscribers(n int) {
	subscribersActive.Set(float64(n))
}

// RecordEventDropped records an event a slow subscriber missed.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// RecordIndexRebuild records a full index rebuild.
func RecordIndexRebuild(reason string) {
	indexRebuildsTotal.WithLabelValues(reason).Inc()
}

// RecordStoreOp records a node store operation duration.
func RecordStoreOp(op string, duration time.Duration) {
	storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordMutations records committed mutations.
func RecordMutations(puts, removes int) {
	storeMutationsTotal.WithLabelValues("put").Add(float64(puts))
	storeMutationsTotal.WithLabelValues("remove").Add(float64(removes))
}

// RecordDriverCall records a driver call outcome.
func RecordDriverCall(op string, duration time.Duration, err error) {
	driverCallDuration.WithLabelValues(op).Observe(duration.Seconds())
	driverCallsTotal.WithLabelValues(op, status(err)).Inc()
}

// RecordDriverRetry records a retry after a transient driver error.
func RecordDriverRetry(op string) {
	driverRetriesTotal.WithLabelValues(op).Inc()
}

// Middleware instruments every call of a driver.
func Middleware() driver.Middleware {
	return driver.Observe(RecordDriverCall)
}

// RecordDownload records a finished download.
func RecordDownload(bytes int64, err error) {
	bytesDownloaded.Add(float64(bytes))
	transfersTotal.WithLabelValues("download", status(err)).Inc()
}

// RecordUpload records a finished upload.
func RecordUpload(bytes int64, err error) {
	bytesUploaded.Add(float64(bytes))
	transfersTotal.WithLabelValues("upload", status(err)).Inc()
}

// TransferStarted increments the active transfer gauge and returns the
// matching decrement.
func TransferStarted() func() {
	transfersActive.Inc()
	return transfersActive.Dec
}
