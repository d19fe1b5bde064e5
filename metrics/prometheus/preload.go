package prometheusmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// preloadLabelValues creates every known label combination up front, so dashboards see zero
// valued series instead of missing ones.
func preloadLabelValues(m *Metrics) {
	var (
		adapterErrorValues     = adapterErrorsAsString()
		adapterValues          = adaptersAsString()
		bidTypeValues          = bidTypesAsString()
		boolValues             = boolValuesAsString()
		cookieValues           = cookieTypesAsString()
		cookieSyncStatusValues = cookieSyncStatusesAsString()
		connectionErrorValues  = []string{connectionAcceptError, connectionCloseError}
		markupDeliveryValues   = []string{markupDeliveryAdm, markupDeliveryNurl}
		requestStatusValues    = requestStatusesAsString()
		requestTypeValues      = requestTypesAsString()
		sourceValues           = demandTypesAsString()
	)

	preloadLabelValuesForCounter(m.connectionsError, map[string][]string{
		connectionErrorLabel: connectionErrorValues,
	})

	preloadLabelValuesForCounter(m.impressions, map[string][]string{
		requestTypeLabel: requestTypeValues,
	})

	preloadLabelValuesForCounter(m.requests, map[string][]string{
		requestTypeLabel:   requestTypeValues,
		requestStatusLabel: requestStatusValues,
		sourceLabel:        sourceValues,
		cookieLabel:        cookieValues,
	})

	preloadLabelValuesForHistogram(m.requestsTimer, map[string][]string{
		requestTypeLabel: requestTypeValues,
	})

	preloadLabelValuesForCounter(m.cookieSync, map[string][]string{
		statusLabel: cookieSyncStatusValues,
	})

	preloadLabelValuesForCounter(m.adapterBids, map[string][]string{
		adapterLabel:        adapterValues,
		bidTypeLabel:        bidTypeValues,
		markupDeliveryLabel: markupDeliveryValues,
	})

	preloadLabelValuesForCounter(m.adapterErrors, map[string][]string{
		adapterLabel:      adapterValues,
		adapterErrorLabel: adapterErrorValues,
	})

	preloadLabelValuesForCounter(m.adapterPanics, map[string][]string{
		adapterLabel: adapterValues,
	})

	preloadLabelValuesForHistogram(m.adapterPrices, map[string][]string{
		adapterLabel: adapterValues,
	})

	preloadLabelValuesForCounter(m.adapterRequests, map[string][]string{
		adapterLabel: adapterValues,
		cookieLabel:  cookieValues,
		hasBidsLabel: boolValues,
	})

	preloadLabelValuesForHistogram(m.adapterRequestsTimer, map[string][]string{
		adapterLabel: adapterValues,
	})

	if !m.metricsDisabled.AdapterConnectionMetrics {
		preloadLabelValuesForCounter(m.adapterCreatedConnections, map[string][]string{
			adapterLabel: adapterValues,
		})

		preloadLabelValuesForCounter(m.adapterReusedConnections, map[string][]string{
			adapterLabel: adapterValues,
		})

		preloadLabelValuesForHistogram(m.adapterConnectionWaitTime, map[string][]string{
			adapterLabel: adapterValues,
		})
	}
}

func preloadLabelValuesForCounter(counter *prometheus.CounterVec, labelsWithValues map[string][]string) {
	doPreloadLabelValues(labelsWithValues, func(labels prometheus.Labels) {
		counter.With(labels)
	})
}

func preloadLabelValuesForHistogram(histogram *prometheus.HistogramVec, labelsWithValues map[string][]string) {
	doPreloadLabelValues(labelsWithValues, func(labels prometheus.Labels) {
		histogram.With(labels)
	})
}

func doPreloadLabelValues(labelsWithValues map[string][]string, method func(prometheus.Labels)) {
	keys := make([]string, 0, len(labelsWithValues))
	for k := range labelsWithValues {
		keys = append(keys, k)
	}
	generateLabels(keys, labelsWithValues, prometheus.Labels{}, method)
}

// generateLabels walks every combination of label values, calling method once per combination.
func generateLabels(keys []string, labelsWithValues map[string][]string, labels prometheus.Labels, method func(prometheus.Labels)) {
	if len(keys) == 0 {
		combination := make(prometheus.Labels, len(labels))
		for k, v := range labels {
			combination[k] = v
		}
		method(combination)
		return
	}

	key := keys[0]
	for _, value := range labelsWithValues[key] {
		labels[key] = value
		generateLabels(keys[1:], labelsWithValues, labels, method)
	}
	delete(labels, key)
}
