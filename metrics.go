package seeknet

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seeknet",
			Name:      "requests_total",
			Help:      "Total number of requests served, by operation and outcome",
		},
		[]string{"op", "status"},
	)
	readBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seeknet",
			Name:      "read_bytes_total",
			Help:      "Real bytes read from the resource and sent to clients",
		},
	)
	protocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seeknet",
			Name:      "protocol_errors_total",
			Help:      "Malformed messages received, by kind",
		},
		[]string{"kind"},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seeknet",
			Name:      "connections_active",
			Help:      "Connections currently being served",
		},
	)
	connectionsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seeknet",
			Name:      "connections_rejected_total",
			Help:      "Connections closed on accept because the connection limit was reached",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(readBytesTotal)
	prometheus.MustRegister(protocolErrorsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
}

// Request status label values.
const (
	statusLabelOK     = "ok"
	statusLabelFailed = "failed"
)

func observeSeek(failed bool) {
	status := statusLabelOK
	if failed {
		status = statusLabelFailed
	}
	requestsTotal.WithLabelValues("seek", status).Inc()
}

func observeRead(produced uint64, failed bool) {
	status := statusLabelOK
	if failed {
		status = statusLabelFailed
	}
	requestsTotal.WithLabelValues("read", status).Inc()
	readBytesTotal.Add(float64(produced))
}

func observeProtocolError(err error) {
	protocolErrorsTotal.WithLabelValues(protocolErrorKind(err)).Inc()
}
