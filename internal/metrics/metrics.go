// Package metrics exposes the Prometheus endpoint and the go-kit collectors
// shared by the binaries.
package metrics

import (
	"net/http"

	kitmetrics "github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aliskhannn/himawari-tiler/internal/api/server"
)

const namespace = "himawari"

var methodError = []string{"method", "error"}

// TaskClient returns the request count and duration collectors of the task
// service client, registered on the default registry.
func TaskClient() (kitmetrics.Counter, kitmetrics.Histogram) {
	count := kitprometheus.NewCounterFrom(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task_client",
			Name:      "request_count",
			Help:      "task service request count",
		}, methodError,
	)
	duration := kitprometheus.NewSummaryFrom(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "task_client",
			Name:      "request_duration_seconds",
			Help:      "task service request duration",
		}, methodError,
	)
	return count, duration
}

// NewServer serves the default registry on /metrics at addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return server.New(addr, mux)
}
