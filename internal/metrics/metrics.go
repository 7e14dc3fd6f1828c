// Package metrics provides Prometheus instrumentation for the UDP bridge.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	udpSentCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udp_sent_count",
			Help: "Number of UDP datagrams sent",
		},
		[]string{"server", "type"},
	)
	udpSentBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udp_sent_bytes",
			Help: "Number of bytes sent over UDP",
		},
		[]string{"server", "type"},
	)
	udpReceivedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udp_received_count",
			Help: "Number of UDP datagrams received",
		},
		[]string{"server", "type"},
	)
	udpReceivedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udp_received_bytes",
			Help: "Number of bytes received over UDP",
		},
		[]string{"server", "type"},
	)
	udpMalformedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udp_malformed_count",
			Help: "Number of inbound UDP datagrams dropped as malformed",
		},
		[]string{"server"},
	)
	keepaliveFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keepalive_failure_count",
			Help: "Number of keepalive cycles without acknowledgement",
		},
		[]string{"server"},
	)
	connectCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect_count",
			Help: "Number of (re)connects to the server",
		},
		[]string{"server"},
	)
)

func IncrUDPSent(server, typ string, bytes int) {
	udpSentCount.WithLabelValues(server, typ).Inc()
	udpSentBytes.WithLabelValues(server, typ).Add(float64(bytes))
}

func IncrUDPReceived(server, typ string, bytes int) {
	udpReceivedCount.WithLabelValues(server, typ).Inc()
	udpReceivedBytes.WithLabelValues(server, typ).Add(float64(bytes))
}

func IncrUDPMalformed(server string) {
	udpMalformedCount.WithLabelValues(server).Inc()
}

func IncrKeepaliveFailure(server string) {
	keepaliveFailureCount.WithLabelValues(server).Inc()
}

func IncrConnect(server string) {
	connectCount.WithLabelValues(server).Inc()
}

// Serve exposes the metrics endpoint on bind. It blocks; run it in its own
// goroutine.
func Serve(bind string) error {
	log.Printf("Starting Prometheus metrics server, bind: %s", bind)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(bind, mux)
}
