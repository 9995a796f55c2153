package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/jobwatch"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Job store metrics
	JobsCreatedTotal  metric.Int64Counter
	JobsUpdatedTotal  metric.Int64Counter
	JobsDeletedTotal  metric.Int64Counter
	JobsTimedOutTotal metric.Int64Counter
	JobsInvalidTotal  metric.Int64Counter

	// Event metrics
	EventPublishTotal       metric.Int64Counter
	EventPublishErrorsTotal metric.Int64Counter
	EventPublishDuration    metric.Float64Histogram
	EventsMalformedTotal    metric.Int64Counter

	// Stream metrics
	ActiveStreams      metric.Int64UpDownCounter
	FramesWrittenTotal metric.Int64Counter

	// Channel metrics
	ChannelOverflowTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments. The global meter
// delegates to whichever provider InitTelemetry installs later.
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.JobsCreatedTotal, _ = meter.Int64Counter(
		"jobwatch.jobs.created.total",
		metric.WithDescription("Total number of jobs created"),
		metric.WithUnit("{job}"),
	)

	m.JobsUpdatedTotal, _ = meter.Int64Counter(
		"jobwatch.jobs.updated.total",
		metric.WithDescription("Total number of job status updates"),
		metric.WithUnit("{job}"),
	)

	m.JobsDeletedTotal, _ = meter.Int64Counter(
		"jobwatch.jobs.deleted.total",
		metric.WithDescription("Total number of jobs deleted"),
		metric.WithUnit("{job}"),
	)

	m.JobsTimedOutTotal, _ = meter.Int64Counter(
		"jobwatch.jobs.timed_out.total",
		metric.WithDescription("Total number of jobs moved to TIMEOUT"),
		metric.WithUnit("{job}"),
	)

	m.JobsInvalidTotal, _ = meter.Int64Counter(
		"jobwatch.jobs.invalid.total",
		metric.WithDescription("Total number of undecodable job records removed"),
		metric.WithUnit("{job}"),
	)

	m.EventPublishTotal, _ = meter.Int64Counter(
		"jobwatch.events.publish.total",
		metric.WithDescription("Total number of event publish attempts"),
		metric.WithUnit("{event}"),
	)

	m.EventPublishErrorsTotal, _ = meter.Int64Counter(
		"jobwatch.events.publish.errors.total",
		metric.WithDescription("Total number of event publish errors"),
		metric.WithUnit("{error}"),
	)

	m.EventPublishDuration, _ = meter.Float64Histogram(
		"jobwatch.events.publish.duration",
		metric.WithDescription("Duration of event publish operations"),
		metric.WithUnit("ms"),
	)

	m.EventsMalformedTotal, _ = meter.Int64Counter(
		"jobwatch.events.malformed.total",
		metric.WithDescription("Total number of received events dropped because they failed to decode"),
		metric.WithUnit("{event}"),
	)

	m.ActiveStreams, _ = meter.Int64UpDownCounter(
		"jobwatch.streams.active",
		metric.WithDescription("Number of open SSE streams"),
		metric.WithUnit("{stream}"),
	)

	m.FramesWrittenTotal, _ = meter.Int64Counter(
		"jobwatch.streams.frames.total",
		metric.WithDescription("Total number of SSE frames written"),
		metric.WithUnit("{frame}"),
	)

	m.ChannelOverflowTotal, _ = meter.Int64Counter(
		"jobwatch.channels.overflow.total",
		metric.WithDescription("Total number of channel overflow events (dropped events)"),
		metric.WithUnit("{event}"),
	)

	return m
}
