// Package monitoring exposes Prometheus metrics and a periodic system
// stats collector for the relay.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message plane
	messagesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_published_total",
		Help: "Total number of messages accepted on /publish",
	})

	consumptionsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_consumptions_recorded_total",
		Help: "Total number of consumed acknowledgements received",
	})

	fanoutDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_dropped_total",
		Help: "Total events or messages dropped because a subscriber lagged",
	}, []string{"channel"})

	// Subscriber sessions
	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total number of subscriber sessions accepted",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of live subscriber sessions",
	})

	ingressFramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ingress_frames_dropped_total",
		Help: "Total subscriber frames dropped by the ingress rate limiter",
	})

	// Write batcher
	batchFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_batch_flushes_total",
		Help: "Total number of committed write batches",
	})

	batchCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_batch_commands_total",
		Help: "Total number of commands committed through the batcher",
	})

	batchesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_batches_dropped_total",
		Help: "Total number of write batches rolled back and dropped",
	})

	// Retention
	purgeDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_purge_deleted_rows_total",
		Help: "Total rows removed by the retention sweep",
	})

	// System
	processCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	processMemoryRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_process_memory_rss_bytes",
		Help: "Process resident set size in bytes",
	})

	goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_goroutines",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		messagesPublished,
		consumptionsRecorded,
		fanoutDropped,
		sessionsTotal,
		sessionsActive,
		ingressFramesDropped,
		batchFlushes,
		batchCommands,
		batchesDropped,
		purgeDeleted,
		processCPUPercent,
		processMemoryRSS,
		goroutines,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncMessagesPublished()     { messagesPublished.Inc() }
func IncConsumptionsRecorded()  { consumptionsRecorded.Inc() }
func IncSessions()              { sessionsTotal.Inc(); sessionsActive.Inc() }
func DecActiveSessions()        { sessionsActive.Dec() }
func IncIngressFramesDropped()  { ingressFramesDropped.Inc() }
func IncBatchFlushes()          { batchFlushes.Inc() }
func AddBatchCommands(n int)    { batchCommands.Add(float64(n)) }
func IncBatchesDropped()        { batchesDropped.Inc() }
func AddPurgeDeleted(n int64)   { purgeDeleted.Add(float64(n)) }

// RecordFanoutDrop counts one dropped delivery on the named fabric:
// "bus" for the event bus, "room" for topic rooms.
func RecordFanoutDrop(channel string) {
	fanoutDropped.WithLabelValues(channel).Inc()
}
