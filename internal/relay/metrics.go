package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublishAcks     prometheus.Counter
	metricPublishFailures prometheus.Counter
	metricFetchEvents     prometheus.Counter
	metricFetchDuplicates prometheus.Counter
)

var metricsOnce sync.Once

func initMetrics() {
	metricsOnce.Do(registerMetrics)
}

func registerMetrics() {
	metricPublishAcks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echolock",
		Subsystem: "relay",
		Name:      "publish_acks_total",
		Help:      "Number of successful per-relay publish acknowledgements",
	})

	metricPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echolock",
		Subsystem: "relay",
		Name:      "publish_failures_total",
		Help:      "Number of failed per-relay publish attempts",
	})

	metricFetchEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echolock",
		Subsystem: "relay",
		Name:      "fetch_events_total",
		Help:      "Number of distinct events returned by Fetch",
	})

	metricFetchDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "echolock",
		Subsystem: "relay",
		Name:      "fetch_duplicates_total",
		Help:      "Number of fetched events whose signature check was skipped via the verified cache",
	})
}
