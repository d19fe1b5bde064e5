package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	metrics "github.com/rcrowley/go-metrics"
)

// Metrics is the go-metrics implementation of the MetricsEngine interface.
type Metrics struct {
	MetricsRegistry            metrics.Registry
	ConnectionCounter          metrics.Counter
	ConnectionAcceptErrorMeter metrics.Meter
	ConnectionCloseErrorMeter  metrics.Meter
	ImpMeter                   metrics.Meter
	AppRequestMeter            metrics.Meter
	NoCookieMeter              metrics.Meter
	RequestTimer               metrics.Timer
	RequestStatuses            map[RequestType]map[RequestStatus]metrics.Meter
	CookieSyncMeter            metrics.Meter
	CookieSyncStatusMeter      map[CookieSyncStatus]metrics.Meter

	AdapterMetrics map[openrtb_ext.BidderName]*AdapterMetrics

	// Syncer and account metrics are registered on first use, since their keys are not known up front.
	syncerRequestsMeter   map[string]map[SyncerCookieSyncStatus]metrics.Meter
	syncerRWMutex         sync.RWMutex
	accountMetrics        map[string]*accountMetrics
	accountMetricsRWMutex sync.RWMutex

	exchanges       []openrtb_ext.BidderName
	metricsDisabled config.DisabledMetrics
}

// AdapterMetrics houses the metrics for a particular adapter
type AdapterMetrics struct {
	NoCookieMeter     metrics.Meter
	ErrorMeters       map[AdapterError]metrics.Meter
	NoBidMeter        metrics.Meter
	GotBidsMeter      metrics.Meter
	RequestTimer      metrics.Timer
	PriceHistogram    metrics.Histogram
	BidsReceivedMeter metrics.Meter
	PanicMeter        metrics.Meter
	MarkupMetrics     map[openrtb_ext.BidType]*MarkupDeliveryMetrics

	ConnCreated  metrics.Counter
	ConnReused   metrics.Counter
	ConnWaitTime metrics.Timer
}

type MarkupDeliveryMetrics struct {
	AdmMeter  metrics.Meter
	NurlMeter metrics.Meter
}

type accountMetrics struct {
	requestMeter metrics.Meter
}

// NewBlankMetrics creates a new Metrics object with all blank metrics object. This may also be useful for
// testing routines to ensure that no metrics are written anywhere.
func NewBlankMetrics(registry metrics.Registry, exchanges []openrtb_ext.BidderName, disabledMetrics config.DisabledMetrics) *Metrics {
	blankMeter := &metrics.NilMeter{}
	newMetrics := &Metrics{
		MetricsRegistry:            registry,
		RequestStatuses:            make(map[RequestType]map[RequestStatus]metrics.Meter),
		ConnectionCounter:          metrics.NilCounter{},
		ConnectionAcceptErrorMeter: blankMeter,
		ConnectionCloseErrorMeter:  blankMeter,
		ImpMeter:                   blankMeter,
		AppRequestMeter:            blankMeter,
		NoCookieMeter:              blankMeter,
		RequestTimer:               &metrics.NilTimer{},
		CookieSyncMeter:            blankMeter,
		CookieSyncStatusMeter:      make(map[CookieSyncStatus]metrics.Meter),

		AdapterMetrics:      make(map[openrtb_ext.BidderName]*AdapterMetrics, len(exchanges)),
		syncerRequestsMeter: make(map[string]map[SyncerCookieSyncStatus]metrics.Meter),
		accountMetrics:      make(map[string]*accountMetrics),

		exchanges:       exchanges,
		metricsDisabled: disabledMetrics,
	}
	for _, a := range exchanges {
		newMetrics.AdapterMetrics[a] = makeBlankAdapterMetrics(disabledMetrics)
	}

	for _, t := range RequestTypes() {
		newMetrics.RequestStatuses[t] = make(map[RequestStatus]metrics.Meter)
		for _, s := range RequestStatuses() {
			newMetrics.RequestStatuses[t][s] = blankMeter
		}
	}

	for _, s := range CookieSyncStatuses() {
		newMetrics.CookieSyncStatusMeter[s] = blankMeter
	}

	return newMetrics
}

// NewMetrics creates a new Metrics object with needed metrics defined. The code always tries to
// record every metric; the ones not registered here effectively noop on blank meters and timers.
func NewMetrics(registry metrics.Registry, exchanges []openrtb_ext.BidderName, disableAccountMetrics config.DisabledMetrics) *Metrics {
	newMetrics := NewBlankMetrics(registry, exchanges, disableAccountMetrics)
	newMetrics.ConnectionCounter = metrics.GetOrRegisterCounter("active_connections", registry)
	newMetrics.ConnectionAcceptErrorMeter = metrics.GetOrRegisterMeter("connection_accept_errors", registry)
	newMetrics.ConnectionCloseErrorMeter = metrics.GetOrRegisterMeter("connection_close_errors", registry)
	newMetrics.ImpMeter = metrics.GetOrRegisterMeter("imps_requested", registry)
	newMetrics.NoCookieMeter = metrics.GetOrRegisterMeter("no_cookie_requests", registry)
	newMetrics.AppRequestMeter = metrics.GetOrRegisterMeter("app_requests", registry)
	newMetrics.RequestTimer = metrics.GetOrRegisterTimer("request_time", registry)
	newMetrics.CookieSyncMeter = metrics.GetOrRegisterMeter("cookie_sync_requests", registry)
	for _, s := range CookieSyncStatuses() {
		newMetrics.CookieSyncStatusMeter[s] = metrics.GetOrRegisterMeter(fmt.Sprintf("cookie_sync_requests.%s", s), registry)
	}

	for _, a := range exchanges {
		registerAdapterMetrics(registry, "adapter", string(a), newMetrics.AdapterMetrics[a])
	}
	for typ, statusMap := range newMetrics.RequestStatuses {
		for stat := range statusMap {
			statusMap[stat] = metrics.GetOrRegisterMeter("requests."+string(stat)+"."+string(typ), registry)
		}
	}
	return newMetrics
}

// Part of setting up blank metrics, the adapter metrics.
func makeBlankAdapterMetrics(disabledMetrics config.DisabledMetrics) *AdapterMetrics {
	blankMeter := &metrics.NilMeter{}
	newAdapter := &AdapterMetrics{
		NoCookieMeter:     blankMeter,
		ErrorMeters:       make(map[AdapterError]metrics.Meter),
		NoBidMeter:        blankMeter,
		GotBidsMeter:      blankMeter,
		RequestTimer:      &metrics.NilTimer{},
		PriceHistogram:    &metrics.NilHistogram{},
		BidsReceivedMeter: blankMeter,
		PanicMeter:        blankMeter,
		MarkupMetrics:     makeBlankBidMarkupMetrics(),
	}
	if !disabledMetrics.AdapterConnectionMetrics {
		newAdapter.ConnCreated = metrics.NilCounter{}
		newAdapter.ConnReused = metrics.NilCounter{}
		newAdapter.ConnWaitTime = &metrics.NilTimer{}
	}
	for _, err := range AdapterErrors() {
		newAdapter.ErrorMeters[err] = blankMeter
	}
	return newAdapter
}

func makeBlankBidMarkupMetrics() map[openrtb_ext.BidType]*MarkupDeliveryMetrics {
	return map[openrtb_ext.BidType]*MarkupDeliveryMetrics{
		openrtb_ext.BidTypeAudio:  makeBlankMarkupDeliveryMetrics(),
		openrtb_ext.BidTypeBanner: makeBlankMarkupDeliveryMetrics(),
		openrtb_ext.BidTypeNative: makeBlankMarkupDeliveryMetrics(),
		openrtb_ext.BidTypeVideo:  makeBlankMarkupDeliveryMetrics(),
	}
}

func makeBlankMarkupDeliveryMetrics() *MarkupDeliveryMetrics {
	return &MarkupDeliveryMetrics{
		AdmMeter:  &metrics.NilMeter{},
		NurlMeter: &metrics.NilMeter{},
	}
}

func registerAdapterMetrics(registry metrics.Registry, adapterOrAccount string, exchange string, am *AdapterMetrics) {
	am.NoCookieMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.no_cookie_requests", adapterOrAccount, exchange), registry)
	am.NoBidMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests.nobid", adapterOrAccount, exchange), registry)
	am.GotBidsMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests.gotbids", adapterOrAccount, exchange), registry)
	am.RequestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%[1]s.%[2]s.request_time", adapterOrAccount, exchange), registry)
	am.PriceHistogram = metrics.GetOrRegisterHistogram(fmt.Sprintf("%[1]s.%[2]s.prices", adapterOrAccount, exchange), registry, metrics.NewExpDecaySample(1028, 0.015))
	am.BidsReceivedMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.bids_received", adapterOrAccount, exchange), registry)
	am.PanicMeter = metrics.GetOrRegisterMeter(fmt.Sprintf("%[1]s.%[2]s.requests.panic", adapterOrAccount, exchange), registry)
	for err := range am.ErrorMeters {
		am.ErrorMeters[err] = metrics.GetOrRegisterMeter(fmt.Sprintf("%s.%s.requests.%s", adapterOrAccount, exchange, err), registry)
	}
	am.MarkupMetrics = map[openrtb_ext.BidType]*MarkupDeliveryMetrics{
		openrtb_ext.BidTypeBanner: makeDeliveryMetrics(registry, adapterOrAccount+"."+exchange, openrtb_ext.BidTypeBanner),
		openrtb_ext.BidTypeVideo:  makeDeliveryMetrics(registry, adapterOrAccount+"."+exchange, openrtb_ext.BidTypeVideo),
		openrtb_ext.BidTypeAudio:  makeDeliveryMetrics(registry, adapterOrAccount+"."+exchange, openrtb_ext.BidTypeAudio),
		openrtb_ext.BidTypeNative: makeDeliveryMetrics(registry, adapterOrAccount+"."+exchange, openrtb_ext.BidTypeNative),
	}
	if am.ConnCreated != nil {
		am.ConnCreated = metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s.connections_created", adapterOrAccount, exchange), registry)
		am.ConnReused = metrics.GetOrRegisterCounter(fmt.Sprintf("%s.%s.connections_reused", adapterOrAccount, exchange), registry)
		am.ConnWaitTime = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.%s.connection_wait_time", adapterOrAccount, exchange), registry)
	}
}

func makeDeliveryMetrics(registry metrics.Registry, prefix string, bidType openrtb_ext.BidType) *MarkupDeliveryMetrics {
	return &MarkupDeliveryMetrics{
		AdmMeter:  metrics.GetOrRegisterMeter(prefix+"."+string(bidType)+".adm_bids_received", registry),
		NurlMeter: metrics.GetOrRegisterMeter(prefix+"."+string(bidType)+".nurl_bids_received", registry),
	}
}

// getAccountMetrics gets or registers the account metrics for account "id".
func (me *Metrics) getAccountMetrics(id string) *accountMetrics {
	me.accountMetricsRWMutex.RLock()
	am, ok := me.accountMetrics[id]
	me.accountMetricsRWMutex.RUnlock()

	if ok {
		return am
	}

	me.accountMetricsRWMutex.Lock()
	defer me.accountMetricsRWMutex.Unlock()

	am, ok = me.accountMetrics[id]
	if ok {
		return am
	}
	am = &accountMetrics{
		requestMeter: metrics.GetOrRegisterMeter(fmt.Sprintf("account.%s.requests", id), me.MetricsRegistry),
	}
	me.accountMetrics[id] = am

	return am
}

// getSyncerMeters gets or registers the per status meters of syncer "key".
func (me *Metrics) getSyncerMeters(key string) map[SyncerCookieSyncStatus]metrics.Meter {
	me.syncerRWMutex.RLock()
	meters, ok := me.syncerRequestsMeter[key]
	me.syncerRWMutex.RUnlock()

	if ok {
		return meters
	}

	me.syncerRWMutex.Lock()
	defer me.syncerRWMutex.Unlock()

	meters, ok = me.syncerRequestsMeter[key]
	if ok {
		return meters
	}
	meters = make(map[SyncerCookieSyncStatus]metrics.Meter, len(SyncerRequestStatuses()))
	for _, status := range SyncerRequestStatuses() {
		meters[status] = metrics.GetOrRegisterMeter(fmt.Sprintf("syncer.%s.request.%s", key, status), me.MetricsRegistry)
	}
	me.syncerRequestsMeter[key] = meters

	return meters
}

// RecordRequest implements a part of the MetricsEngine interface
func (me *Metrics) RecordRequest(labels Labels) {
	if statuses, ok := me.RequestStatuses[labels.RType]; ok {
		if meter, ok := statuses[labels.RequestStatus]; ok {
			meter.Mark(1)
		}
	}
	if labels.Source == DemandApp {
		me.AppRequestMeter.Mark(1)
	} else if labels.CookieFlag == CookieFlagNo {
		me.NoCookieMeter.Mark(1)
	}

	if labels.PubID != "" {
		me.getAccountMetrics(labels.PubID).requestMeter.Mark(1)
	}
}

func (me *Metrics) RecordImps(labels Labels, numImps int) {
	me.ImpMeter.Mark(int64(numImps))
}

func (me *Metrics) RecordConnectionAccept(success bool) {
	if success {
		me.ConnectionCounter.Inc(1)
	} else {
		me.ConnectionAcceptErrorMeter.Mark(1)
	}
}

func (me *Metrics) RecordConnectionClose(success bool) {
	if success {
		me.ConnectionCounter.Dec(1)
	} else {
		me.ConnectionCloseErrorMeter.Mark(1)
	}
}

// RecordRequestTime implements a part of the MetricsEngine interface. The calling code is responsible
// for determining the call duration.
func (me *Metrics) RecordRequestTime(labels Labels, length time.Duration) {
	// Only record times for successful requests, as we don't have labels to screen out bad requests.
	if labels.RequestStatus == RequestStatusOK {
		me.RequestTimer.Update(length)
	}
}

// RecordAdapterRequest implements a part of the MetricsEngine interface
func (me *Metrics) RecordAdapterRequest(labels AdapterLabels) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter metrics on %s: adapter metrics not found", string(labels.Adapter))
		return
	}

	switch labels.AdapterBids {
	case AdapterBidNone:
		am.NoBidMeter.Mark(1)
	case AdapterBidPresent:
		am.GotBidsMeter.Mark(1)
	default:
		glog.Warningf("No go-metrics logged for AdapterBids value: %s", labels.AdapterBids)
	}
	for errType := range labels.AdapterErrors {
		am.ErrorMeters[errType].Mark(1)
	}

	if labels.CookieFlag == CookieFlagNo {
		am.NoCookieMeter.Mark(1)
	}
}

// RecordAdapterConnections implements a part of the MetricsEngine interface.
// Records whether or not a bidder connection was reused and the time spent waiting for it.
func (me *Metrics) RecordAdapterConnections(adapterName openrtb_ext.BidderName, connWasReused bool, connWaitTime time.Duration) {
	if me.metricsDisabled.AdapterConnectionMetrics {
		return
	}

	am, ok := me.AdapterMetrics[adapterName]
	if !ok {
		glog.Errorf("Trying to log adapter connection metrics for %s: adapter not found", string(adapterName))
		return
	}

	if connWasReused {
		am.ConnReused.Inc(1)
	} else {
		am.ConnCreated.Inc(1)
	}
	am.ConnWaitTime.Update(connWaitTime)
}

// RecordAdapterPanic implements a part of the MetricsEngine interface
func (me *Metrics) RecordAdapterPanic(labels AdapterLabels) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter panic metrics on %s: adapter metrics not found", string(labels.Adapter))
		return
	}
	am.PanicMeter.Mark(1)
}

// RecordAdapterBidReceived implements a part of the MetricsEngine interface.
// This tracks how many bids from each Bidder use `adm` vs. `nurl.
func (me *Metrics) RecordAdapterBidReceived(labels AdapterLabels, bidType openrtb_ext.BidType, hasAdm bool) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter bid metrics on %s: adapter metrics not found", string(labels.Adapter))
		return
	}

	am.BidsReceivedMeter.Mark(1)
	if metricsForType, ok := am.MarkupMetrics[bidType]; ok {
		if hasAdm {
			metricsForType.AdmMeter.Mark(1)
		} else {
			metricsForType.NurlMeter.Mark(1)
		}
	} else {
		glog.Errorf("bid/adm metrics map entry does not exist for type %s. This is a bug, and should be reported.", bidType)
	}
}

// RecordAdapterPrice implements a part of the MetricsEngine interface. Generates a histogram of winning bid prices
func (me *Metrics) RecordAdapterPrice(labels AdapterLabels, cpm float64) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter price metrics on %s: adapter metrics not found", string(labels.Adapter))
		return
	}
	am.PriceHistogram.Update(int64(cpm))
}

// RecordAdapterTime implements a part of the MetricsEngine interface. Records the adapter response time
func (me *Metrics) RecordAdapterTime(labels AdapterLabels, length time.Duration) {
	am, ok := me.AdapterMetrics[labels.Adapter]
	if !ok {
		glog.Errorf("Trying to run adapter latency metrics on %s: adapter metrics not found", string(labels.Adapter))
		return
	}
	am.RequestTimer.Update(length)
}

// RecordCookieSync implements a part of the MetricsEngine interface. Records a cookie sync request
func (me *Metrics) RecordCookieSync(status CookieSyncStatus) {
	me.CookieSyncMeter.Mark(1)
	if meter, ok := me.CookieSyncStatusMeter[status]; ok {
		meter.Mark(1)
	}
}

// RecordSyncerRequest implements a part of the MetricsEngine interface. Records whether a syncer
// was offered to the caller of /cookie_sync.
func (me *Metrics) RecordSyncerRequest(key string, status SyncerCookieSyncStatus) {
	if meter, ok := me.getSyncerMeters(key)[status]; ok {
		meter.Mark(1)
	}
}
