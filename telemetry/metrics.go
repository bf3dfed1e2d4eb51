package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// QueryBuckets for local store reads and view evaluation
	QueryBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// PublishBuckets for relay deliveries over the network
	PublishBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// RowBuckets for result set sizes
	RowBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Query Metrics
var (
	// QueriesTotal counts store queries by kind (doc, all_docs, view, find) and result
	QueriesTotal CounterVec = noopCounterVec{}

	// QueryDurationSeconds measures query latency by kind
	QueryDurationSeconds HistogramVec = noopHistogramVec{}

	// RowsReturned measures rows returned per query
	RowsReturned Histogram = NoopStat{}
)

// Live Query Metrics
var (
	// ActiveWatchers tracks currently running watchers
	ActiveWatchers Gauge = NoopStat{}

	// RequeriesTotal counts watcher re-queries by trigger (initial, change, parameters)
	RequeriesTotal CounterVec = noopCounterVec{}

	// CoalescedChangesTotal counts change notifications absorbed by an in-flight query
	CoalescedChangesTotal Counter = NoopStat{}

	// StaleResultsTotal counts query results discarded by the generation guard
	StaleResultsTotal Counter = NoopStat{}
)

// Change Feed Metrics
var (
	// SharedFeeds tracks open shared change feeds
	SharedFeeds Gauge = NoopStat{}

	// FeedListeners tracks listeners attached across all shared feeds
	FeedListeners Gauge = NoopStat{}

	// FeedEventsTotal counts change events fanned out to listeners
	FeedEventsTotal Counter = NoopStat{}

	// FeedErrorsTotal counts shared feed failures
	FeedErrorsTotal Counter = NoopStat{}
)

// Relay Metrics
var (
	// RelayPublishedTotal counts relay deliveries by sink and result
	RelayPublishedTotal CounterVec = noopCounterVec{}

	// RelayPublishSeconds measures delivery latency by sink
	RelayPublishSeconds HistogramVec = noopHistogramVec{}

	// RelayRetriesTotal counts delivery retry attempts
	RelayRetriesTotal Counter = NoopStat{}

	// RelayDroppedTotal counts events dropped from a full relay queue
	RelayDroppedTotal Counter = NoopStat{}

	// RelayQueueDepth tracks events waiting in the relay queue
	RelayQueueDepth Gauge = NoopStat{}
)

func initMetrics() {
	// Query Metrics
	QueriesTotal = NewCounterVec(
		"queries_total",
		"Total store queries by kind and result",
		[]string{"kind", "result"},
	)
	QueryDurationSeconds = NewHistogramVec(
		"query_duration_seconds",
		"Query duration in seconds",
		[]string{"kind"},
		QueryBuckets,
	)
	RowsReturned = NewHistogram(
		"rows_returned",
		"Number of rows returned per query",
		RowBuckets,
	)

	// Live Query Metrics
	ActiveWatchers = NewGauge(
		"active_watchers",
		"Number of currently running watchers",
	)
	RequeriesTotal = NewCounterVec(
		"requeries_total",
		"Watcher re-queries by trigger",
		[]string{"trigger"},
	)
	CoalescedChangesTotal = NewCounter(
		"coalesced_changes_total",
		"Change notifications absorbed by an in-flight query",
	)
	StaleResultsTotal = NewCounter(
		"stale_results_total",
		"Query results discarded by the generation guard",
	)

	// Change Feed Metrics
	SharedFeeds = NewGauge(
		"shared_feeds",
		"Number of open shared change feeds",
	)
	FeedListeners = NewGauge(
		"feed_listeners",
		"Listeners attached across all shared feeds",
	)
	FeedEventsTotal = NewCounter(
		"feed_events_total",
		"Change events fanned out to listeners",
	)
	FeedErrorsTotal = NewCounter(
		"feed_errors_total",
		"Shared feed failures",
	)

	// Relay Metrics
	RelayPublishedTotal = NewCounterVec(
		"relay_published_total",
		"Relay deliveries by sink and result",
		[]string{"sink", "result"},
	)
	RelayPublishSeconds = NewHistogramVec(
		"relay_publish_seconds",
		"Relay delivery duration in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	RelayRetriesTotal = NewCounter(
		"relay_retries_total",
		"Relay delivery retry attempts",
	)
	RelayDroppedTotal = NewCounter(
		"relay_dropped_total",
		"Events dropped from a full relay queue",
	)
	RelayQueueDepth = NewGauge(
		"relay_queue_depth",
		"Events waiting in the relay queue",
	)
}
