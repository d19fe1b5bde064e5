package prometheusmetrics

import (
	"strconv"
	"time"

	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines the Prometheus metrics backing the MetricsEngine implementation.
type Metrics struct {
	Registerer prometheus.Registerer
	Gatherer   *prometheus.Registry

	// General Metrics
	connectionsClosed prometheus.Counter
	connectionsError  *prometheus.CounterVec
	connectionsOpened prometheus.Counter
	impressions       *prometheus.CounterVec
	requests          *prometheus.CounterVec
	requestsTimer     *prometheus.HistogramVec
	cookieSync        *prometheus.CounterVec
	syncerRequests    *prometheus.CounterVec

	// Adapter Metrics
	adapterBids               *prometheus.CounterVec
	adapterErrors             *prometheus.CounterVec
	adapterPanics             *prometheus.CounterVec
	adapterPrices             *prometheus.HistogramVec
	adapterRequests           *prometheus.CounterVec
	adapterRequestsTimer      *prometheus.HistogramVec
	adapterReusedConnections  *prometheus.CounterVec
	adapterCreatedConnections *prometheus.CounterVec
	adapterConnectionWaitTime *prometheus.HistogramVec

	metricsDisabled config.DisabledMetrics
}

const (
	adapterLabel         = "adapter"
	adapterErrorLabel    = "adapter_error"
	bidTypeLabel         = "bid_type"
	connectionErrorLabel = "connection_error"
	cookieLabel          = "cookie"
	hasBidsLabel         = "has_bids"
	markupDeliveryLabel  = "delivery"
	requestStatusLabel   = "request_status"
	requestTypeLabel     = "request_type"
	sourceLabel          = "source"
	statusLabel          = "status"
	syncerLabel          = "syncer"
)

const (
	connectionAcceptError = "accept"
	connectionCloseError  = "close"
)

const (
	markupDeliveryAdm  = "adm"
	markupDeliveryNurl = "nurl"
)

// NewMetrics initializes a new Prometheus metrics instance with preloaded label values.
func NewMetrics(cfg config.PrometheusMetrics, disabledMetrics config.DisabledMetrics) *Metrics {
	standardTimeBuckets := []float64{0.05, 0.1, 0.15, 0.20, 0.25, 0.3, 0.4, 0.5, 0.75, 1}
	connectionWaitBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 1}
	priceBuckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 50}

	reg := prometheus.NewRegistry()
	metrics := Metrics{
		Registerer:      prometheus.WrapRegistererWithPrefix(metricsPrefix(cfg), reg),
		Gatherer:        reg,
		metricsDisabled: disabledMetrics,
	}

	metrics.connectionsClosed = newCounterWithoutLabels(metrics.Registerer,
		"connections_closed",
		"Count of successful connections closed to Prebid Server.")

	metrics.connectionsError = newCounter(metrics.Registerer,
		"connections_error",
		"Count of errors for connections open to Prebid Server.",
		[]string{connectionErrorLabel})

	metrics.connectionsOpened = newCounterWithoutLabels(metrics.Registerer,
		"connections_opened",
		"Count of successful connections opened to Prebid Server.")

	metrics.impressions = newCounter(metrics.Registerer,
		"imps_requested",
		"Count of impressions requested by Prebid Server.",
		[]string{requestTypeLabel})

	metrics.requests = newCounter(metrics.Registerer,
		"requests",
		"Count of total requests to Prebid Server labeled by type and status.",
		[]string{requestTypeLabel, requestStatusLabel, sourceLabel, cookieLabel})

	metrics.requestsTimer = newHistogramVec(metrics.Registerer,
		"request_time_seconds",
		"Seconds to resolve successful Prebid Server requests labeled by type.",
		[]string{requestTypeLabel},
		standardTimeBuckets)

	metrics.cookieSync = newCounter(metrics.Registerer,
		"cookie_sync_requests",
		"Count of cookie sync requests to Prebid Server.",
		[]string{statusLabel})

	metrics.syncerRequests = newCounter(metrics.Registerer,
		"syncer_requests",
		"Count of cookie sync requests where a syncer is a candidate to be synced.",
		[]string{syncerLabel, statusLabel})

	metrics.adapterBids = newCounter(metrics.Registerer,
		"adapter_bids",
		"Count of bids labeled by adapter and markup delivery type (adm or nurl).",
		[]string{adapterLabel, bidTypeLabel, markupDeliveryLabel})

	metrics.adapterErrors = newCounter(metrics.Registerer,
		"adapter_errors",
		"Count of errors labeled by adapter and error type.",
		[]string{adapterLabel, adapterErrorLabel})

	metrics.adapterPanics = newCounter(metrics.Registerer,
		"adapter_panics",
		"Count of panics labeled by adapter.",
		[]string{adapterLabel})

	metrics.adapterPrices = newHistogramVec(metrics.Registerer,
		"adapter_prices",
		"Monetary value of the bids labeled by adapter.",
		[]string{adapterLabel},
		priceBuckets)

	metrics.adapterRequests = newCounter(metrics.Registerer,
		"adapter_requests",
		"Count of requests labeled by adapter, if has a cookie, and if it resulted in bids.",
		[]string{adapterLabel, cookieLabel, hasBidsLabel})

	metrics.adapterRequestsTimer = newHistogramVec(metrics.Registerer,
		"adapter_request_time_seconds",
		"Seconds to resolve each successful request labeled by adapter.",
		[]string{adapterLabel},
		standardTimeBuckets)

	if !metrics.metricsDisabled.AdapterConnectionMetrics {
		metrics.adapterCreatedConnections = newCounter(metrics.Registerer,
			"adapter_connection_created",
			"Count that keeps track of new connections when contacting adapters",
			[]string{adapterLabel})

		metrics.adapterReusedConnections = newCounter(metrics.Registerer,
			"adapter_connection_reused",
			"Count that keeps track of reused connections when contacting adapters",
			[]string{adapterLabel})

		metrics.adapterConnectionWaitTime = newHistogramVec(metrics.Registerer,
			"adapter_connection_wait",
			"Seconds from when the connection was requested until it is either created or reused",
			[]string{adapterLabel},
			connectionWaitBuckets)
	}

	preloadLabelValues(&metrics)

	return &metrics
}

func metricsPrefix(cfg config.PrometheusMetrics) string {
	prefix := ""
	if cfg.Namespace != "" {
		prefix += cfg.Namespace + "_"
	}
	if cfg.Subsystem != "" {
		prefix += cfg.Subsystem + "_"
	}
	return prefix
}

func newCounter(registry prometheus.Registerer, name, help string, labels []string) *prometheus.CounterVec {
	opts := prometheus.CounterOpts{
		Name: name,
		Help: help,
	}
	counter := prometheus.NewCounterVec(opts, labels)
	registry.MustRegister(counter)
	return counter
}

func newCounterWithoutLabels(registry prometheus.Registerer, name, help string) prometheus.Counter {
	opts := prometheus.CounterOpts{
		Name: name,
		Help: help,
	}
	counter := prometheus.NewCounter(opts)
	registry.MustRegister(counter)
	return counter
}

func newHistogramVec(registry prometheus.Registerer, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	histogram := prometheus.NewHistogramVec(opts, labels)
	registry.MustRegister(histogram)
	return histogram
}

func (m *Metrics) RecordConnectionAccept(success bool) {
	if success {
		m.connectionsOpened.Inc()
	} else {
		m.connectionsError.With(prometheus.Labels{
			connectionErrorLabel: connectionAcceptError,
		}).Inc()
	}
}

func (m *Metrics) RecordConnectionClose(success bool) {
	if success {
		m.connectionsClosed.Inc()
	} else {
		m.connectionsError.With(prometheus.Labels{
			connectionErrorLabel: connectionCloseError,
		}).Inc()
	}
}

func (m *Metrics) RecordRequest(labels metrics.Labels) {
	m.requests.With(prometheus.Labels{
		requestTypeLabel:   string(labels.RType),
		requestStatusLabel: string(labels.RequestStatus),
		sourceLabel:        string(labels.Source),
		cookieLabel:        string(labels.CookieFlag),
	}).Inc()
}

func (m *Metrics) RecordImps(labels metrics.Labels, numImps int) {
	m.impressions.With(prometheus.Labels{
		requestTypeLabel: string(labels.RType),
	}).Add(float64(numImps))
}

func (m *Metrics) RecordRequestTime(labels metrics.Labels, length time.Duration) {
	if labels.RequestStatus == metrics.RequestStatusOK {
		m.requestsTimer.With(prometheus.Labels{
			requestTypeLabel: string(labels.RType),
		}).Observe(length.Seconds())
	}
}

func (m *Metrics) RecordAdapterRequest(labels metrics.AdapterLabels) {
	m.adapterRequests.With(prometheus.Labels{
		adapterLabel: string(labels.Adapter),
		cookieLabel:  string(labels.CookieFlag),
		hasBidsLabel: strconv.FormatBool(labels.AdapterBids == metrics.AdapterBidPresent),
	}).Inc()

	for adapterError := range labels.AdapterErrors {
		m.adapterErrors.With(prometheus.Labels{
			adapterLabel:      string(labels.Adapter),
			adapterErrorLabel: string(adapterError),
		}).Inc()
	}
}

// RecordAdapterConnections records whether a bidder connection was reused and how long the
// caller waited for it.
func (m *Metrics) RecordAdapterConnections(adapterName openrtb_ext.BidderName, connWasReused bool, connWaitTime time.Duration) {
	if m.metricsDisabled.AdapterConnectionMetrics {
		return
	}

	if connWasReused {
		m.adapterReusedConnections.With(prometheus.Labels{
			adapterLabel: string(adapterName),
		}).Inc()
	} else {
		m.adapterCreatedConnections.With(prometheus.Labels{
			adapterLabel: string(adapterName),
		}).Inc()
	}

	m.adapterConnectionWaitTime.With(prometheus.Labels{
		adapterLabel: string(adapterName),
	}).Observe(connWaitTime.Seconds())
}

func (m *Metrics) RecordAdapterPanic(labels metrics.AdapterLabels) {
	m.adapterPanics.With(prometheus.Labels{
		adapterLabel: string(labels.Adapter),
	}).Inc()
}

func (m *Metrics) RecordAdapterBidReceived(labels metrics.AdapterLabels, bidType openrtb_ext.BidType, hasAdm bool) {
	markupDelivery := markupDeliveryNurl
	if hasAdm {
		markupDelivery = markupDeliveryAdm
	}

	m.adapterBids.With(prometheus.Labels{
		adapterLabel:        string(labels.Adapter),
		bidTypeLabel:        string(bidType),
		markupDeliveryLabel: markupDelivery,
	}).Inc()
}

func (m *Metrics) RecordAdapterPrice(labels metrics.AdapterLabels, cpm float64) {
	m.adapterPrices.With(prometheus.Labels{
		adapterLabel: string(labels.Adapter),
	}).Observe(cpm)
}

func (m *Metrics) RecordAdapterTime(labels metrics.AdapterLabels, length time.Duration) {
	if len(labels.AdapterErrors) == 0 {
		m.adapterRequestsTimer.With(prometheus.Labels{
			adapterLabel: string(labels.Adapter),
		}).Observe(length.Seconds())
	}
}

func (m *Metrics) RecordCookieSync(status metrics.CookieSyncStatus) {
	m.cookieSync.With(prometheus.Labels{
		statusLabel: string(status),
	}).Inc()
}

func (m *Metrics) RecordSyncerRequest(key string, status metrics.SyncerCookieSyncStatus) {
	m.syncerRequests.With(prometheus.Labels{
		syncerLabel: key,
		statusLabel: string(status),
	}).Inc()
}
