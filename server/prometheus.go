package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prebid/prebid-server-core/config"
	metricsconfig "github.com/prebid/prebid-server-core/metrics/config"
)

var errNoPrometheusEngine = errors.New("Prometheus metrics configured, but a Prometheus metrics engine was not found. Cannot set up a Prometheus listener.")

// newPrometheusServer exposes the registry of the Prometheus engine on its own port.
func newPrometheusServer(cfg *config.Configuration, metricsEngine *metricsconfig.DetailedMetricsEngine) (*http.Server, error) {
	if metricsEngine == nil || metricsEngine.PrometheusMetrics == nil {
		return nil, errNoPrometheusEngine
	}
	proMetrics := metricsEngine.PrometheusMetrics

	return &http.Server{
		Addr: cfg.Host + ":" + strconv.Itoa(cfg.Metrics.Prometheus.Port),
		Handler: promhttp.HandlerFor(proMetrics.Gatherer, promhttp.HandlerOpts{
			ErrorLog:            loggerForPrometheus{},
			MaxRequestsInFlight: 5,
			Timeout:             cfg.Metrics.Prometheus.Timeout(),
		}),
	}, nil
}

type loggerForPrometheus struct{}

func (loggerForPrometheus) Println(v ...interface{}) {
	glog.Warningln(v...)
}
