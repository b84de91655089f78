package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_pages_fetched_total",
		Help: "Total number of activity pages fetched from the remote source",
	})

	activitiesUpserted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_activities_upserted_total",
		Help: "Total number of activities inserted or updated during sync",
	})

	tracksProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_tracks_processed_total",
		Help: "Total number of activity tracks resolved to regions",
	})

	trackFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_track_failures_total",
		Help: "Total number of transient per-activity track failures",
	})

	rateLimitHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_rate_limit_hits_total",
		Help: "Total number of remote rate-limit responses during sync",
	})

	lastSyncTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_last_completed_timestamp_seconds",
		Help: "Unix timestamp of the last completed sync cycle",
	})
)

func init() {
	prometheus.MustRegister(
		pagesFetched,
		activitiesUpserted,
		tracksProcessed,
		trackFailures,
		rateLimitHits,
		lastSyncTimestamp,
	)
}

// RecordPageFetched counts one committed activity page
func RecordPageFetched(activities int) {
	pagesFetched.Inc()
	activitiesUpserted.Add(float64(activities))
}

// RecordTrackProcessed counts one activity resolved to regions
func RecordTrackProcessed() {
	tracksProcessed.Inc()
}

// RecordTrackFailure counts one transient per-activity failure
func RecordTrackFailure() {
	trackFailures.Inc()
}

// RecordRateLimit counts one remote rate-limit response
func RecordRateLimit() {
	rateLimitHits.Inc()
}

// RecordSyncCompleted marks the completion time of a sync cycle
func RecordSyncCompleted(unixSeconds int64) {
	lastSyncTimestamp.Set(float64(unixSeconds))
}
