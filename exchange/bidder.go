package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sort"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/deadline"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"golang.org/x/net/context/ctxhttp"
)

const defaultCurrency = "USD"

// AdaptedBidder defines the contract needed to participate in an Auction within an Exchange.
//
// This interface exists to help segregate core auction logic.
//
// Any logic which can be done _within a single Seat_ goes inside one of these.
// Any logic which _requires responses from all Seats_ goes inside the Exchange.
//
// This interface differs from adapters.Bidder to help minimize code duplication across the
// adapters.Bidder implementations.
type AdaptedBidder interface {
	// requestBid fetches bids for the given request.
	//
	// An AdaptedBidder *may* return two non-nil values here. Errors should describe situations which
	// make the bid (or no-bid) "less than ideal." Common examples include:
	//
	// 1. Connection issues.
	// 2. Imps with Media Types which this Bidder doesn't support.
	// 3. The Deadline expired before all expected bids were returned.
	// 4. The Server sent back an unexpected Response, so some bids were ignored.
	//
	// Any errors will be user-facing in the API.
	// Error messages should help publishers understand what might account for "bad" bids.
	requestBid(ctx context.Context, bidderRequest BidderRequest, dl deadline.Deadline, reqInfo *adapters.ExtraRequestInfo, debug bool) (*PbsOrtbSeatBid, []error)
}

// PbsOrtbBid is a Bid returned by an AdaptedBidder.
//
// PbsOrtbBid.Bid.Ext will become "response.seatbid[i].bid.ext.bidder" in the final OpenRTB response.
// PbsOrtbBid.BidType will become "response.seatbid[i].bid.ext.prebid.type" in the final OpenRTB response.
// PbsOrtbBid.BidVideo will become "response.seatbid[i].bid.ext.prebid.video" in the final OpenRTB response.
type PbsOrtbBid struct {
	Bid      *openrtb2.Bid
	BidType  openrtb_ext.BidType
	BidVideo *openrtb_ext.ExtBidPrebidVideo
	Currency string
	Bidder   openrtb_ext.BidderName
}

// PbsOrtbSeatBid is a SeatBid returned by an AdaptedBidder.
//
// This is distinct from the openrtb2.SeatBid so that the prebid-server ext can be passed back with typesafety.
type PbsOrtbSeatBid struct {
	// Bids is the list of bids which this AdaptedBidder wishes to make.
	Bids []*PbsOrtbBid
	// Currency is the currency of the first response which declared one, USD otherwise.
	Currency string
	// HttpCalls is the list of debugging info. It should only be populated if the request.test == 1.
	// This will become response.ext.debug.httpcalls.{bidder} on the final Response.
	HttpCalls []*openrtb_ext.ExtHttpCall
	// Seat defines whom these extra Bids belong to.
	Seat string
}

// AdaptBidder converts an adapters.Bidder into an exchange.AdaptedBidder.
//
// The name refers to the "Adapter" architecture pattern, and should not be confused with a Prebid "Adapter"
// (which is being phased out and replaced by Bidder for OpenRTB auctions)
func AdaptBidder(bidder adapters.Bidder, client *http.Client, cfg *config.Configuration, me metrics.MetricsEngine, name openrtb_ext.BidderName) AdaptedBidder {
	return &BidderAdapter{
		Bidder:     bidder,
		BidderName: name,
		Client:     client,
		me:         me,
		config: bidderAdapterConfig{
			DisableConnMetrics: cfg.Metrics.Disabled.AdapterConnectionMetrics,
		},
	}
}

// BidderAdapter runs one bidder's outbound calls. It is the Call Executor of every bidder and the
// only code which touches the network on the auction path.
type BidderAdapter struct {
	Bidder     adapters.Bidder
	BidderName openrtb_ext.BidderName
	Client     *http.Client
	me         metrics.MetricsEngine
	config     bidderAdapterConfig
}

type bidderAdapterConfig struct {
	DisableConnMetrics bool
}

func (bidder *BidderAdapter) requestBid(ctx context.Context, bidderRequest BidderRequest, dl deadline.Deadline, reqInfo *adapters.ExtraRequestInfo, debug bool) (*PbsOrtbSeatBid, []error) {
	reqData, errs := bidder.Bidder.MakeRequests(bidderRequest.BidRequest, reqInfo)

	if len(reqData) == 0 {
		// If the adapter failed to generate both requests and errors, this is an error.
		if len(errs) == 0 {
			errs = append(errs, &errortypes.FailedToRequestBids{Message: "The adapter failed to generate any bid requests, but also failed to generate an error explaining why"})
		}
		return nil, errs
	}

	// Make any HTTP requests in parallel.
	responseChannel := make(chan settledCall, len(reqData))
	for index, oneReqData := range reqData {
		go func(index int, data *adapters.RequestData) {
			responseChannel <- settledCall{index: index, info: bidder.doRequest(ctx, data, dl)}
		}(index, oneReqData) // Method arg avoids a race condition on oneReqData
	}

	seatBid := &PbsOrtbSeatBid{
		Bids:      make([]*PbsOrtbBid, 0, len(reqData)),
		Currency:  defaultCurrency,
		HttpCalls: make([]*openrtb_ext.ExtHttpCall, 0, len(reqData)),
		Seat:      bidderRequest.BidderName.String(),
	}
	currencyDeclared := false

	// If the bidder made multiple requests, we still want them to enter as many bids as possible...
	// even if the timeout occurs sometime halfway through. Calls still in flight when ctx is done
	// become Timeout errors and their late answers are never read.
	pending := make(map[int]*adapters.RequestData, len(reqData))
	for index, oneReqData := range reqData {
		pending[index] = oneReqData
	}
	for len(pending) > 0 {
		var httpInfo *httpCallInfo
		select {
		case call := <-responseChannel:
			delete(pending, call.index)
			httpInfo = call.info
		case <-ctx.Done():
			httpInfo = drainSettled(responseChannel, pending)
			if httpInfo == nil {
				errs = append(errs, timedOutCalls(pending, seatBid, debug)...)
				return seatBid, errs
			}
		}

		if debug {
			seatBid.HttpCalls = append(seatBid.HttpCalls, makeExt(httpInfo))
		}

		if httpInfo.err != nil {
			errs = append(errs, httpInfo.err)
			continue
		}

		bidResponse, moreErrs := bidder.Bidder.MakeBids(bidderRequest.BidRequest, httpInfo.request, httpInfo.response)
		errs = append(errs, moreErrs...)
		if bidResponse == nil {
			continue
		}

		bidCurrency := bidResponse.Currency
		if bidCurrency == "" {
			bidCurrency = defaultCurrency
		}
		if !currencyDeclared && bidResponse.Currency != "" {
			seatBid.Currency = bidResponse.Currency
			currencyDeclared = true
		}

		for _, typedBid := range bidResponse.Bids {
			if typedBid == nil || typedBid.Bid == nil {
				continue
			}
			seatBid.Bids = append(seatBid.Bids, &PbsOrtbBid{
				Bid:      typedBid.Bid,
				BidType:  typedBid.BidType,
				BidVideo: typedBid.BidVideo,
				Currency: bidCurrency,
				Bidder:   bidderRequest.BidderName,
			})
		}
	}

	return seatBid, errs
}

// settledCall is one finished call and its position in the bidder's request list.
type settledCall struct {
	index int
	info  *httpCallInfo
}

// drainSettled returns a call which finished before the deadline was noticed, or nil when none did.
func drainSettled(responseChannel <-chan settledCall, pending map[int]*adapters.RequestData) *httpCallInfo {
	select {
	case call := <-responseChannel:
		delete(pending, call.index)
		return call.info
	default:
		return nil
	}
}

// timedOutCalls records one Timeout per call still in flight at the deadline, in request order.
func timedOutCalls(pending map[int]*adapters.RequestData, seatBid *PbsOrtbSeatBid, debug bool) []error {
	indexes := make([]int, 0, len(pending))
	for index := range pending {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	errs := make([]error, 0, len(indexes))
	for _, index := range indexes {
		req := pending[index]
		errs = append(errs, &errortypes.Timeout{
			Message: fmt.Sprintf("call to %s did not complete before the auction deadline", req.Uri),
		})
		if debug {
			seatBid.HttpCalls = append(seatBid.HttpCalls, makeExt(&httpCallInfo{request: req}))
		}
	}
	return errs
}

// makeExt transforms information about the HTTP call into the format expected by the response's debug ext.
func makeExt(httpInfo *httpCallInfo) *openrtb_ext.ExtHttpCall {
	ext := &openrtb_ext.ExtHttpCall{}

	if httpInfo != nil && httpInfo.request != nil {
		ext.Uri = httpInfo.request.Uri
		ext.RequestBody = string(httpInfo.request.Body)
		ext.RequestHeaders = filterHeader(httpInfo.request.Headers)

		if httpInfo.response != nil {
			ext.ResponseBody = string(httpInfo.response.Body)
			ext.Status = httpInfo.response.StatusCode
		}
	}

	return ext
}

// doRequest makes a request, handles the response, and returns the data needed by the
// Bidder interface. The call may run until the budget remaining at its start is spent.
func (bidder *BidderAdapter) doRequest(ctx context.Context, req *adapters.RequestData, dl deadline.Deadline) *httpCallInfo {
	callCtx, cancel := dl.CallContext(ctx)
	defer cancel()
	return bidder.doRequestImpl(callCtx, req)
}

func (bidder *BidderAdapter) doRequestImpl(ctx context.Context, req *adapters.RequestData) *httpCallInfo {
	httpReq, err := http.NewRequest(req.Method, req.Uri, bytes.NewBuffer(req.Body))
	if err != nil {
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}
	httpReq.Header = req.Headers

	// If adapter connection metrics are not disabled, add the client trace
	// to get complete connection info into our metrics
	if !bidder.config.DisableConnMetrics {
		ctx = bidder.addClientTrace(ctx)
	}
	httpResp, err := ctxhttp.Do(ctx, bidder.Client, httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &errortypes.Timeout{Message: err.Error()}
		}
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &errortypes.Timeout{Message: err.Error()}
		}
		return &httpCallInfo{
			request: req,
			err:     err,
		}
	}

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		err = &errortypes.BadServerResponse{
			Message: fmt.Sprintf("Server responded with failure status: %d. Set request.test = 1 for debugging info.", httpResp.StatusCode),
		}
	}

	return &httpCallInfo{
		request: req,
		response: &adapters.ResponseData{
			StatusCode: httpResp.StatusCode,
			Body:       respBody,
			Headers:    httpResp.Header,
		},
		err: err,
	}
}

// addClientTrace attaches a httptrace.ClientTrace which reports whether the connection to the
// bidder was reused and how long the call waited for it.
func (bidder *BidderAdapter) addClientTrace(ctx context.Context) context.Context {
	var connStart time.Time

	trace := &httptrace.ClientTrace{
		// GetConn is called before a connection is created or retrieved from an idle pool
		GetConn: func(hostPort string) {
			connStart = time.Now()
		},
		// GotConn is called after a successful connection is obtained
		GotConn: func(info httptrace.GotConnInfo) {
			connWaitTime := time.Since(connStart)

			bidder.me.RecordAdapterConnections(bidder.BidderName, info.Reused, connWaitTime)
		},
	}
	return httptrace.WithClientTrace(ctx, trace)
}

type httpCallInfo struct {
	request  *adapters.RequestData
	response *adapters.ResponseData
	err      error
}

// filterHeader returns a copy of the headers without the credentials a bidder may have set.
func filterHeader(h http.Header) http.Header {
	clone := h.Clone()
	clone.Del("Authorization")
	return clone
}
