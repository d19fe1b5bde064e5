package openrtb2

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/deadline"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/exchange"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"github.com/prebid/prebid-server-core/usersync"
)

// NewEndpoint builds the /openrtb2/auction handler.
func NewEndpoint(ex exchange.Exchange, validator openrtb_ext.BidderParamValidator, cfg *config.Configuration, metricsEngine metrics.MetricsEngine) (httprouter.Handle, error) {
	if ex == nil || validator == nil || cfg == nil || metricsEngine == nil {
		return nil, errors.New("NewEndpoint requires non-nil arguments.")
	}

	return httprouter.Handle((&endpointDeps{
		ex:              ex,
		paramsValidator: validator,
		cfg:             cfg,
		metricsEngine:   metricsEngine,
		clock:           clock.New(),
	}).Auction), nil
}

type endpointDeps struct {
	ex              exchange.Exchange
	paramsValidator openrtb_ext.BidderParamValidator
	cfg             *config.Configuration
	metricsEngine   metrics.MetricsEngine
	clock           clock.Clock
}

func (deps *endpointDeps) Auction(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// The auction budget starts counting as soon as the request arrives.
	start := deps.clock.Now()
	labels := metrics.Labels{
		Source:        metrics.DemandUnknown,
		RType:         metrics.ReqTypeORTB2Web,
		PubID:         metrics.PublisherUnknown,
		CookieFlag:    metrics.CookieFlagUnknown,
		RequestStatus: metrics.RequestStatusOK,
	}
	defer func() {
		deps.metricsEngine.RecordRequest(labels)
		deps.metricsEngine.RecordRequestTime(labels, deps.clock.Since(start))
	}()

	req, errL := deps.parseRequest(r)
	if errortypes.ContainsFatalError(errL) {
		labels.RequestStatus = metrics.RequestStatusBadInput
		w.WriteHeader(http.StatusBadRequest)
		for _, err := range errL {
			w.Write([]byte(fmt.Sprintf("Invalid request format: %s\n", err.Error())))
		}
		return
	}

	usersyncs := usersync.ReadCookie(r, usersync.Base64DecoderV1{}, &deps.cfg.HostCookie)
	labels = requestLabels(labels, req, usersyncs)
	deps.metricsEngine.RecordImps(labels, len(req.Imp))

	budget := deps.cfg.AuctionTimeouts.LimitAuctionTimeout(time.Duration(req.TMax) * time.Millisecond)
	auctionRequest := &exchange.AuctionRequest{
		BidRequest:   req,
		Deadline:     deadline.New(start, budget, deps.clock),
		UserSyncs:    usersyncs,
		LegacyLabels: labels,
	}

	result, err := deps.ex.HoldAuction(r.Context(), auctionRequest)
	if err != nil {
		labels.RequestStatus = metrics.RequestStatusErr
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Critical error while running the auction: %v", err)
		glog.Errorf("/openrtb2/auction Critical error: %v", err)
		return
	}

	response, err := result.BuildBidResponse(req, req.Test == 1)
	if err != nil {
		labels.RequestStatus = metrics.RequestStatusErr
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Critical error while running the auction: %v", err)
		glog.Errorf("/openrtb2/auction failed to render the response: %v", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(response); err != nil {
		labels.RequestStatus = metrics.RequestStatusNetworkErr
		glog.V(2).Infof("/openrtb2/auction failed to send response: %v", err)
	}
}

// requestLabels fills in the metric labels which depend on the parsed request.
func requestLabels(labels metrics.Labels, req *openrtb2.BidRequest, usersyncs *usersync.Cookie) metrics.Labels {
	if req.App != nil {
		labels.Source = metrics.DemandApp
		labels.RType = metrics.ReqTypeORTB2App
		if req.App.Publisher != nil && req.App.Publisher.ID != "" {
			labels.PubID = req.App.Publisher.ID
		}
		return labels
	}

	labels.Source = metrics.DemandWeb
	if req.Site != nil && req.Site.Publisher != nil && req.Site.Publisher.ID != "" {
		labels.PubID = req.Site.Publisher.ID
	}
	if usersyncs.HasAnyLiveSyncs() {
		labels.CookieFlag = metrics.CookieFlagYes
	} else {
		labels.CookieFlag = metrics.CookieFlagNo
	}
	return labels
}

// parseRequest turns the HTTP request into an OpenRTB request.
//
// If the errors list is empty, then the returned request will be valid according to the OpenRTB 2.5 spec.
// In case of "strong recommendations" in OpenRTB, it tends to be restrictive. If a better workaround is
// possible, it will return errors with messages that suggest improvements.
//
// If the errors list has at least one fatal element, then no guarantees are made about the returned request.
func (deps *endpointDeps) parseRequest(httpRequest *http.Request) (req *openrtb2.BidRequest, errs []error) {
	req = &openrtb2.BidRequest{}

	if httpRequest.Body == nil {
		errs = []error{&errortypes.BadInput{Message: "request body is empty"}}
		return
	}

	// A zero max_request_size reads the body without a limit.
	body := io.Reader(httpRequest.Body)
	var lr *io.LimitedReader
	if deps.cfg.MaxRequestSize > 0 {
		lr = &io.LimitedReader{
			R: httpRequest.Body,
			N: deps.cfg.MaxRequestSize + 1,
		}
		body = lr
	}
	requestJson, err := io.ReadAll(body)
	if err != nil {
		errs = []error{err}
		return
	}
	if lr != nil && lr.N <= 0 {
		errs = []error{&errortypes.BadInput{Message: fmt.Sprintf("request size exceeded max size of %d bytes.", deps.cfg.MaxRequestSize)}}
		return
	}

	if err := json.Unmarshal(requestJson, req); err != nil {
		errs = []error{err}
		return
	}

	errs = deps.validateRequest(req)
	return
}

func (deps *endpointDeps) validateRequest(req *openrtb2.BidRequest) []error {
	if req.ID == "" {
		return []error{errors.New("request missing required field: \"id\"")}
	}

	if req.TMax < 0 {
		return []error{fmt.Errorf("request.tmax must be nonnegative. Got %d", req.TMax)}
	}

	if len(req.Imp) < 1 {
		return []error{errors.New("request.imp must contain at least one element.")}
	}

	if (req.Site == nil && req.App == nil) || (req.Site != nil && req.App != nil) {
		return []error{errors.New("request.site or request.app must be defined, but not both.")}
	}

	impIDs := make(map[string]int, len(req.Imp))
	for index := range req.Imp {
		imp := &req.Imp[index]
		if firstIndex, ok := impIDs[imp.ID]; ok && imp.ID != "" {
			return []error{fmt.Errorf("request.imp[%d].id and request.imp[%d].id are both \"%s\". Imp IDs must be unique.", firstIndex, index, imp.ID)}
		}
		impIDs[imp.ID] = index

		if err := deps.validateImp(imp, index); err != nil {
			return []error{err}
		}
	}
	return nil
}

func (deps *endpointDeps) validateImp(imp *openrtb2.Imp, index int) error {
	if imp.ID == "" {
		return fmt.Errorf("request.imp[%d] missing required field: \"id\"", index)
	}

	if len(imp.Metric) != 0 {
		return fmt.Errorf("request.imp[%d].metric is not yet supported by prebid-server. Support may be added in the future.", index)
	}

	if imp.Banner == nil && imp.Video == nil && imp.Audio == nil && imp.Native == nil {
		return fmt.Errorf("request.imp[%d] must contain at least one of \"banner\", \"video\", \"audio\", or \"native\"", index)
	}

	if err := validateBanner(imp.Banner, index); err != nil {
		return err
	}

	if imp.Video != nil && len(imp.Video.MIMEs) < 1 {
		return fmt.Errorf("request.imp[%d].video.mimes must contain at least one supported MIME type", index)
	}

	if imp.Audio != nil && len(imp.Audio.MIMEs) < 1 {
		return fmt.Errorf("request.imp[%d].audio.mimes must contain at least one supported MIME type", index)
	}

	if imp.Native != nil && imp.Native.Request == "" {
		return fmt.Errorf("request.imp[%d].native.request must be a JSON encoded string conforming to the openrtb 1.2 Native spec", index)
	}

	if err := validatePmp(imp.PMP, index); err != nil {
		return err
	}

	return deps.validateImpExt(imp.Ext, index)
}

func validateBanner(banner *openrtb2.Banner, impIndex int) error {
	if banner == nil {
		return nil
	}

	// Although these are only deprecated in OpenRTB 2.5... since this is a new endpoint, we know nobody uses them yet.
	// Let's start things off by pointing callers in the right direction.
	if banner.WMin != 0 {
		return fmt.Errorf("request.imp[%d].banner uses unsupported property: \"wmin\". Use the \"format\" array instead.", impIndex)
	}
	if banner.WMax != 0 {
		return fmt.Errorf("request.imp[%d].banner uses unsupported property: \"wmax\". Use the \"format\" array instead.", impIndex)
	}
	if banner.HMin != 0 {
		return fmt.Errorf("request.imp[%d].banner uses unsupported property: \"hmin\". Use the \"format\" array instead.", impIndex)
	}
	if banner.HMax != 0 {
		return fmt.Errorf("request.imp[%d].banner uses unsupported property: \"hmax\". Use the \"format\" array instead.", impIndex)
	}

	hasRootSize := banner.W != nil && banner.H != nil && *banner.W > 0 && *banner.H > 0
	if !hasRootSize && len(banner.Format) == 0 {
		return fmt.Errorf("request.imp[%d].banner has no sizes. Define \"w\" and \"h\", or include \"format\" elements.", impIndex)
	}

	for fmtIndex := range banner.Format {
		if err := validateFormat(&banner.Format[fmtIndex], impIndex, fmtIndex); err != nil {
			return err
		}
	}
	return nil
}

func validateFormat(format *openrtb2.Format, impIndex int, formatIndex int) error {
	usesHW := format.W != 0 || format.H != 0
	usesRatios := format.WMin != 0 || format.WRatio != 0 || format.HRatio != 0
	if usesHW && usesRatios {
		return fmt.Errorf("Request imp[%d].banner.format[%d] should define *either* {w, h} *or* {wmin, wratio, hratio}, but not both. If both are valid, send two \"format\" objects in the request.", impIndex, formatIndex)
	}
	if !usesHW && !usesRatios {
		return fmt.Errorf("Request imp[%d].banner.format[%d] should define *either* {w, h} (for static size requirements) *or* {wmin, wratio, hratio} (for flexible sizes) to be non-zero.", impIndex, formatIndex)
	}
	if usesHW && (format.W == 0 || format.H == 0) {
		return fmt.Errorf("Request imp[%d].banner.format[%d] must define non-zero \"h\" and \"w\" properties.", impIndex, formatIndex)
	}
	if usesRatios && (format.WMin == 0 || format.WRatio == 0 || format.HRatio == 0) {
		return fmt.Errorf("Request imp[%d].banner.format[%d] must define non-zero \"wmin\", \"wratio\", and \"hratio\" properties.", impIndex, formatIndex)
	}
	return nil
}

func validatePmp(pmp *openrtb2.PMP, impIndex int) error {
	if pmp == nil {
		return nil
	}

	for dealIndex, deal := range pmp.Deals {
		if deal.ID == "" {
			return fmt.Errorf("request.imp[%d].pmp.deals[%d] missing required field: \"id\"", impIndex, dealIndex)
		}
	}
	return nil
}

// validateImpExt checks the params of every known bidder of the imp against its JSON schema. The
// params are read from ext.prebid.bidder when present, from the ext root otherwise. Unknown bidder
// codes are left for the auction to ignore.
func (deps *endpointDeps) validateImpExt(ext json.RawMessage, impIndex int) error {
	if len(ext) == 0 {
		return fmt.Errorf("request.imp[%d].ext is required", impIndex)
	}

	var bidderExts map[string]json.RawMessage
	if err := json.Unmarshal(ext, &bidderExts); err != nil {
		return err
	}

	path := "ext"
	if rawPrebid, ok := bidderExts[openrtb_ext.PrebidExtKey]; ok {
		var prebid openrtb_ext.ExtImpPrebid
		if err := json.Unmarshal(rawPrebid, &prebid); err != nil {
			return fmt.Errorf("request.imp[%d].ext.prebid is invalid: %v", impIndex, err)
		}
		if len(prebid.Bidder) > 0 {
			bidderExts = prebid.Bidder
			path = "ext.prebid.bidder"
		}
	}

	bidders := 0
	for bidder, bidderExt := range bidderExts {
		if openrtb_ext.IsBidderNameReserved(bidder) {
			continue
		}
		bidders++

		bidderName, isValid := openrtb_ext.NormalizeBidderName(bidder)
		if !isValid {
			glog.V(2).Infof("request.imp[%d].%s names unknown bidder %s", impIndex, path, bidder)
			continue
		}
		if err := deps.paramsValidator.Validate(bidderName, bidderExt); err != nil {
			return fmt.Errorf("request.imp[%d].%s.%s failed validation.\n%v", impIndex, path, bidder, err)
		}
	}

	if bidders == 0 {
		return fmt.Errorf("request.imp[%d].ext must contain at least one bidder", impIndex)
	}
	return nil
}
