package kafka

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/optiopay/kafka-client/proto"
)

// metrics are owned by a single client. All collectors carry the client id
// as constant label, so that several clients can share one registry.
type metrics struct {
	requests           *prometheus.CounterVec
	requestErrors      *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	metadataRefreshes  prometheus.Counter
	produceRetries     prometheus.Counter
	fetchSizeIncreases prometheus.Counter
	connections        prometheus.Gauge
}

func newMetrics(clientID string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"client_id": clientID}
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kafka_client",
			Name:        "requests_total",
			Help:        "Number of requests sent, by api key.",
			ConstLabels: labels,
		}, []string{"api"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kafka_client",
			Name:        "request_errors_total",
			Help:        "Number of requests that failed without a response, by api key.",
			ConstLabels: labels,
		}, []string{"api"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kafka_client",
			Name:        "request_duration_seconds",
			Help:        "Time from sending a request until its response was received.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"api"}),
		metadataRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kafka_client",
			Name:        "metadata_refreshes_total",
			Help:        "Number of metadata requests sent to the cluster.",
			ConstLabels: labels,
		}),
		produceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kafka_client",
			Name:        "produce_retries_total",
			Help:        "Number of produce attempts after the first one.",
			ConstLabels: labels,
		}),
		fetchSizeIncreases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kafka_client",
			Name:        "fetch_size_increases_total",
			Help:        "Number of times a consumer doubled its fetch size.",
			ConstLabels: labels,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kafka_client",
			Name:        "open_connections",
			Help:        "Number of broker connections currently open.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.requestErrors,
		m.requestLatency,
		m.metadataRefreshes,
		m.produceRetries,
		m.fetchSizeIncreases,
		m.connections,
	}
}

func apiName(kind int16) string {
	switch kind {
	case proto.ProduceReqKind:
		return "produce"
	case proto.FetchReqKind:
		return "fetch"
	case proto.MetadataReqKind:
		return "metadata"
	}
	return strconv.Itoa(int(kind))
}

func (m *metrics) requestSent(kind int16) {
	m.requests.WithLabelValues(apiName(kind)).Inc()
}

func (m *metrics) requestFailed(kind int16) {
	m.requestErrors.WithLabelValues(apiName(kind)).Inc()
}

func (m *metrics) requestDone(kind int16, took time.Duration) {
	m.requestLatency.WithLabelValues(apiName(kind)).Observe(took.Seconds())
}
