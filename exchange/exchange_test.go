package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/deadline"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/metrics"
	metricsConfig "github.com/prebid/prebid-server-core/metrics/config"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	bidderA = openrtb_ext.BidderConsumable
	bidderB = registerTestAlias("bidderb")
	bidderC = registerTestAlias("bidderc")
)

func registerTestAlias(name string) openrtb_ext.BidderName {
	if err := openrtb_ext.SetAliasBidderName(name, openrtb_ext.BidderConsumable); err != nil {
		panic(err)
	}
	return openrtb_ext.BidderName(name)
}

// ortbBidder forwards the request to uri and reads an OpenRTB response back.
type ortbBidder struct {
	uri string
}

func (b *ortbBidder) MakeRequests(request *openrtb2.BidRequest, reqInfo *adapters.ExtraRequestInfo) ([]*adapters.RequestData, []error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, []error{err}
	}
	return []*adapters.RequestData{{
		Method:  http.MethodPost,
		Uri:     b.uri,
		Body:    body,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		ImpIDs:  openrtb_ext.GetImpIDs(request.Imp),
	}}, nil
}

func (b *ortbBidder) MakeBids(internalRequest *openrtb2.BidRequest, externalRequest *adapters.RequestData, response *adapters.ResponseData) (*adapters.BidderResponse, []error) {
	if adapters.IsResponseStatusCodeNoContent(response) {
		return nil, nil
	}
	if err := adapters.CheckResponseStatusCodeForErrors(response); err != nil {
		return nil, []error{err}
	}

	var bidResp openrtb2.BidResponse
	if err := json.Unmarshal(response.Body, &bidResp); err != nil {
		return nil, []error{&errortypes.BadServerResponse{Message: err.Error()}}
	}

	bidResponse := adapters.NewBidderResponseWithBidsCapacity(1)
	if bidResp.Cur != "" {
		bidResponse.Currency = bidResp.Cur
	}
	var errs []error
	for _, seatBid := range bidResp.SeatBid {
		for i := range seatBid.Bid {
			bidType, err := adapters.ResolveBidType(&seatBid.Bid[i], internalRequest.Imp)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			bidResponse.Bids = append(bidResponse.Bids, &adapters.TypedBid{
				Bid:     &seatBid.Bid[i],
				BidType: bidType,
			})
		}
	}
	return bidResponse, errs
}

// panicBidder blows up while building its requests.
type panicBidder struct{}

func (b *panicBidder) MakeRequests(request *openrtb2.BidRequest, reqInfo *adapters.ExtraRequestInfo) ([]*adapters.RequestData, []error) {
	panic("the bidder is broken")
}

func (b *panicBidder) MakeBids(internalRequest *openrtb2.BidRequest, externalRequest *adapters.RequestData, response *adapters.ResponseData) (*adapters.BidderResponse, []error) {
	return nil, nil
}

func jsonHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

// hangingServer never answers until the test ends.
func hangingServer(t *testing.T) *httptest.Server {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return server
}

func newTestExchange(bidders map[openrtb_ext.BidderName]adapters.Bidder, infos config.BidderInfos, me metrics.MetricsEngine) Exchange {
	cfg := &config.Configuration{}
	adapted := make(map[openrtb_ext.BidderName]AdaptedBidder, len(bidders))
	for name, bidder := range bidders {
		adapted[name] = AdaptBidder(bidder, http.DefaultClient, cfg, me, name)
	}
	return NewExchange(adapted, infos, me)
}

func bannerImp(id string, bidders ...openrtb_ext.BidderName) openrtb2.Imp {
	ext := make(map[string]json.RawMessage, len(bidders))
	for _, bidder := range bidders {
		ext[bidder.String()] = json.RawMessage(`{"placementId":"p1"}`)
	}
	rawExt, _ := json.Marshal(ext)
	return openrtb2.Imp{
		ID:     id,
		Banner: &openrtb2.Banner{Format: []openrtb2.Format{{W: 300, H: 250}}},
		Ext:    rawExt,
	}
}

func TestHoldAuctionOneBidAndOneTimeout(t *testing.T) {
	serverA := httptest.NewServer(jsonHandler(http.StatusOK,
		`{"id":"req","cur":"USD","seatbid":[{"bid":[{"id":"bid1","impid":"imp1","price":1.5,"adm":"<div/>"}]}]}`))
	defer serverA.Close()
	serverB := hangingServer(t)

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: serverA.URL},
		bidderB: &ortbBidder{uri: serverB.URL},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	videoImp := openrtb2.Imp{
		ID:    "imp2",
		Video: &openrtb2.Video{MIMEs: []string{"video/mp4"}},
		Ext:   json.RawMessage(`{"bidderb":{"placementId":"p2"}}`),
	}
	request := &openrtb2.BidRequest{
		ID:  "req",
		Imp: []openrtb2.Imp{bannerImp("imp1", bidderA), videoImp},
	}

	budget := 100 * time.Millisecond
	start := time.Now()
	result, err := e.HoldAuction(context.Background(), &AuctionRequest{
		BidRequest: request,
		Bidders:    []string{"consumable", "bidderb"},
		Deadline:   deadline.New(start, budget, nil),
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, budget+time.Second, "the auction must not wait for the hanging bidder")

	require.Len(t, result.SeatBids, 1)
	seatBid := result.SeatBids[bidderA]
	require.NotNil(t, seatBid)
	require.Len(t, seatBid.Bids, 1)
	assert.Equal(t, "bid1", seatBid.Bids[0].Bid.ID)
	assert.Equal(t, openrtb_ext.BidTypeBanner, seatBid.Bids[0].BidType)
	assert.True(t, result.HasBids)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, bidderB, result.Errors[0].Bidder)
	assert.Equal(t, errortypes.TimeoutErrorCode, result.Errors[0].Code)
	assert.True(t, result.Outcomes[bidderB].Failed)
	assert.Empty(t, result.Outcomes[bidderB].Bids)
	assert.False(t, result.Outcomes[bidderA].Failed)
	assert.Equal(t, budget.Milliseconds(), result.TimeoutMillis)
}

func TestHoldAuctionIsolatesFailures(t *testing.T) {
	malformed := httptest.NewServer(jsonHandler(http.StatusOK, `{"seatbid":[`))
	defer malformed.Close()
	good := httptest.NewServer(jsonHandler(http.StatusOK,
		`{"seatbid":[{"bid":[{"id":"bid1","impid":"imp1","price":2,"mtype":2}]}]}`))
	defer good.Close()

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: malformed.URL},
		bidderB: &ortbBidder{uri: good.URL},
		bidderC: &panicBidder{},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	result, err := e.HoldAuction(context.Background(), &AuctionRequest{
		BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{bannerImp("imp1", bidderA, bidderB, bidderC)}},
		Deadline:   deadline.New(time.Now(), time.Second, nil),
	})
	require.NoError(t, err)

	require.Len(t, result.SeatBids, 1)
	require.Len(t, result.SeatBids[bidderB].Bids, 1)
	assert.Equal(t, openrtb_ext.BidTypeVideo, result.SeatBids[bidderB].Bids[0].BidType, "mtype wins over the imp's media type")

	// Errors are ordered by bidder code.
	require.Len(t, result.Errors, 2)
	assert.Equal(t, bidderC, result.Errors[0].Bidder)
	assert.Equal(t, errortypes.UnknownErrorCode, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "the bidder is broken")
	assert.Equal(t, bidderA, result.Errors[1].Bidder)
	assert.Equal(t, errortypes.BadServerResponseErrorCode, result.Errors[1].Code)
	assert.False(t, result.Outcomes[bidderB].Failed)
}

func TestHoldAuctionDropsUnknownBidders(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusNoContent, ""))
	defer server.Close()

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: server.URL},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	imp := openrtb2.Imp{
		ID:     "imp1",
		Banner: &openrtb2.Banner{},
		Ext:    json.RawMessage(`{"consumable":{"placementId":"p1"},"unknownbidder":{"id":1},"bidderc":{"placementId":"p3"}}`),
	}

	testCases := []struct {
		description string
		bidders     []string
	}{
		{
			description: "bidders taken from the imp ext",
		},
		{
			description: "unknown and unregistered bidder codes are ignored",
			bidders:     []string{"unknownbidder", "CONSUMABLE", "bidderc"},
		},
	}

	for _, test := range testCases {
		result, err := e.HoldAuction(context.Background(), &AuctionRequest{
			BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{imp}},
			Bidders:    test.bidders,
			Deadline:   deadline.New(time.Now(), time.Second, nil),
		})
		require.NoError(t, err, test.description)
		assert.Empty(t, result.Errors, test.description)
		assert.False(t, result.HasBids, test.description)
		assert.Len(t, result.Outcomes, 1, test.description)
		assert.Contains(t, result.Outcomes, bidderA, test.description)
	}
}

func TestHoldAuctionTolerateErrors(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK,
		`{"seatbid":[{"bid":[{"id":"bid1","impid":"imp1","price":1},{"id":"bid2","impid":"nope","price":1}]}]}`))
	defer server.Close()

	testCases := []struct {
		description    string
		tolerateErrors bool
		expectFailed   bool
	}{
		{
			description:    "tolerated",
			tolerateErrors: true,
			expectFailed:   false,
		},
		{
			description:    "not tolerated",
			tolerateErrors: false,
			expectFailed:   true,
		},
	}

	for _, test := range testCases {
		e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
			bidderA: &ortbBidder{uri: server.URL},
		}, config.BidderInfos{"consumable": {Enabled: true, TolerateErrors: test.tolerateErrors}}, &metricsConfig.NilMetricsEngine{})

		result, err := e.HoldAuction(context.Background(), &AuctionRequest{
			BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{bannerImp("imp1", bidderA)}},
			Deadline:   deadline.New(time.Now(), time.Second, nil),
		})
		require.NoError(t, err, test.description)

		outcome := result.Outcomes[bidderA]
		assert.Equal(t, test.expectFailed, outcome.Failed, test.description)
		assert.Len(t, outcome.Bids, 1, test.description+": the usable bid is kept either way")
		require.Len(t, result.Errors, 1, test.description)
		assert.Equal(t, "Unmatched impression id nope", result.Errors[0].Message, test.description)
	}
}

func TestHoldAuctionDebugHttpCalls(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{"seatbid":[]}`))
	defer server.Close()

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: server.URL},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	testCases := []struct {
		description   string
		test          int8
		expectedCalls int
	}{
		{
			description:   "test=1 echoes the calls",
			test:          1,
			expectedCalls: 1,
		},
		{
			description:   "calls are hidden otherwise",
			test:          0,
			expectedCalls: 0,
		},
	}

	for _, test := range testCases {
		request := &openrtb2.BidRequest{ID: "req", Test: test.test, Imp: []openrtb2.Imp{bannerImp("imp1", bidderA)}}
		result, err := e.HoldAuction(context.Background(), &AuctionRequest{
			BidRequest: request,
			Deadline:   deadline.New(time.Now(), time.Second, nil),
		})
		require.NoError(t, err, test.description)

		calls := result.Outcomes[bidderA].HttpCalls
		require.Len(t, calls, test.expectedCalls, test.description)
		if test.expectedCalls > 0 {
			assert.Equal(t, server.URL, calls[0].Uri, test.description)
			assert.Equal(t, http.StatusOK, calls[0].Status, test.description)
			assert.JSONEq(t, `{"seatbid":[]}`, calls[0].ResponseBody, test.description)
		}
	}
}

func TestHoldAuctionInvalidImpExt(t *testing.T) {
	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &panicBidder{},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	_, err := e.HoldAuction(context.Background(), &AuctionRequest{
		BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(`{malformed`)}}},
		Deadline:   deadline.New(time.Now(), time.Second, nil),
	})
	assert.ErrorContains(t, err, "Error unpacking extensions for Imp[0]")

	_, err = e.HoldAuction(context.Background(), nil)
	assert.EqualError(t, err, "auction request is empty")
}

func TestHoldAuctionExpiredDeadline(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{"seatbid":[]}`))
	defer server.Close()

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: server.URL},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	result, err := e.HoldAuction(context.Background(), &AuctionRequest{
		BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{bannerImp("imp1", bidderA)}},
		Deadline:   deadline.New(time.Now().Add(-time.Second), 10*time.Millisecond, nil),
	})
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, errortypes.TimeoutErrorCode, result.Errors[0].Code)
	assert.False(t, result.HasBids)
}

func TestHoldAuctionKeepsBidsOfSettledCalls(t *testing.T) {
	fast := httptest.NewServer(jsonHandler(http.StatusOK, "fast"))
	defer fast.Close()
	slow := hangingServer(t)

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &bidderSpec{
			requests: []*adapters.RequestData{postTo(fast.URL, "{}"), postTo(slow.URL, "{}")},
			bids:     oneBidPerResponse(""),
		},
	}, config.BidderInfos{}, &metricsConfig.NilMetricsEngine{})

	for i := 0; i < 5; i++ {
		result, err := e.HoldAuction(context.Background(), &AuctionRequest{
			BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{bannerImp("imp1", bidderA)}},
			Deadline:   deadline.New(time.Now(), 100*time.Millisecond, nil),
		})
		require.NoError(t, err)

		require.Contains(t, result.SeatBids, bidderA)
		require.Len(t, result.SeatBids[bidderA].Bids, 1)
		assert.Equal(t, "fast", result.SeatBids[bidderA].Bids[0].Bid.AdM)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, errortypes.TimeoutErrorCode, result.Errors[0].Code)
		assert.True(t, result.HasBids)
	}
}

func TestRecoverSafely(t *testing.T) {
	me := &metrics.MetricsEngineMock{}
	labels := metrics.AdapterLabels{Adapter: bidderA, PubID: "pub"}
	me.On("RecordAdapterPanic", labels).Once()

	e := &exchange{me: me}
	chBids := make(chan *bidResponseWrapper, 1)
	bidderRequests := []BidderRequest{{BidderName: bidderA, BidderLabels: labels}}

	runner := e.recoverSafely(bidderRequests, func(BidderRequest) {
		panic(errors.New("boom"))
	}, chBids)
	runner(bidderRequests[0])

	brw := <-chBids
	assert.Equal(t, bidderA, brw.bidder)
	assert.True(t, brw.outcome.Failed)
	require.Len(t, brw.outcome.Errors, 1)
	assert.Equal(t, "bidder consumable failed unexpectedly: boom", brw.outcome.Errors[0].Error())
	me.AssertExpectations(t)
}

func TestHoldAuctionRecordsAdapterMetrics(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK,
		`{"seatbid":[{"bid":[{"id":"bid1","impid":"imp1","price":1.25,"adm":"<div/>"}]}]}`))
	defer server.Close()

	me := &metrics.MetricsEngineMock{}
	expectedLabels := func(labels metrics.AdapterLabels) bool {
		return labels.Adapter == bidderA && labels.AdapterBids == metrics.AdapterBidPresent && len(labels.AdapterErrors) == 0
	}
	me.On("RecordAdapterConnections", bidderA, mock.Anything, mock.Anything).Maybe()
	me.On("RecordAdapterTime", mock.MatchedBy(expectedLabels), mock.Anything).Once()
	me.On("RecordAdapterPrice", mock.MatchedBy(expectedLabels), 1.25).Once()
	me.On("RecordAdapterBidReceived", mock.MatchedBy(expectedLabels), openrtb_ext.BidTypeBanner, true).Once()
	me.On("RecordAdapterRequest", mock.MatchedBy(func(labels metrics.AdapterLabels) bool {
		return labels.Adapter == bidderA && labels.CookieFlag == metrics.CookieFlagUnknown
	})).Once()

	e := newTestExchange(map[openrtb_ext.BidderName]adapters.Bidder{
		bidderA: &ortbBidder{uri: server.URL},
	}, config.BidderInfos{}, me)

	_, err := e.HoldAuction(context.Background(), &AuctionRequest{
		BidRequest: &openrtb2.BidRequest{ID: "req", Imp: []openrtb2.Imp{bannerImp("imp1", bidderA)}},
		Deadline:   deadline.New(time.Now(), time.Second, nil),
	})
	require.NoError(t, err)
	me.AssertExpectations(t)
}

func TestErrorsToMetric(t *testing.T) {
	errs := []error{
		&errortypes.Timeout{Message: "t"},
		&errortypes.BadInput{Message: "b"},
		&errortypes.BadServerResponse{Message: "s"},
		&errortypes.FailedToRequestBids{Message: "f"},
		&errortypes.Warning{Message: "w"},
		errors.New("other"),
	}

	assert.Equal(t, map[metrics.AdapterError]struct{}{
		metrics.AdapterErrorTimeout:             {},
		metrics.AdapterErrorBadInput:            {},
		metrics.AdapterErrorBadServerResponse:   {},
		metrics.AdapterErrorFailedToRequestBids: {},
		metrics.AdapterErrorUnknown:             {},
	}, errorsToMetric(errs))
	assert.Nil(t, errorsToMetric(nil))
}

func TestBidsToMetric(t *testing.T) {
	assert.Equal(t, metrics.AdapterBidNone, bidsToMetric(nil))
	assert.Equal(t, metrics.AdapterBidNone, bidsToMetric(&PbsOrtbSeatBid{}))
	assert.Equal(t, metrics.AdapterBidPresent, bidsToMetric(&PbsOrtbSeatBid{Bids: []*PbsOrtbBid{{Bid: &openrtb2.Bid{}}}}))
}
