package exchange

import (
	"encoding/json"
	"sort"

	"github.com/gofrs/uuid"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// BidderOutcome is everything one bidder produced for an auction.
type BidderOutcome struct {
	Bidder openrtb_ext.BidderName
	Bids   []*PbsOrtbBid
	// Currency of the seat, USD unless the bidder declared one.
	Currency string
	Errors   []error
	// Failed is set when an error should be reported as a failure of the whole bidder. Bidders which
	// tolerate errors are not failed as long as they returned a bid.
	Failed             bool
	ResponseTimeMillis int
	HttpCalls          []*openrtb_ext.ExtHttpCall
}

// BidderError is an error attributed to the bidder which produced it.
type BidderError struct {
	Bidder  openrtb_ext.BidderName
	Code    int
	Message string
}

// AuctionResult merges the outcomes of every bidder of an auction.
type AuctionResult struct {
	SeatBids map[openrtb_ext.BidderName]*PbsOrtbSeatBid
	// Errors holds the fatal errors ordered by bidder, then by the order the bidder reported them.
	Errors []BidderError
	// Warnings holds the non fatal errors, in the same order.
	Warnings []BidderError
	Outcomes map[openrtb_ext.BidderName]*BidderOutcome
	// HasBids is set when at least one seat has a bid. A result without bids is a valid no-bid.
	HasBids bool
	// ElapsedMillis is the time the auction took.
	ElapsedMillis int64
	// TimeoutMillis is the budget the auction ran under.
	TimeoutMillis int64
}

// newBidderOutcome classifies what one bidder returned.
func newBidderOutcome(bidder openrtb_ext.BidderName, seatBid *PbsOrtbSeatBid, errs []error, responseTimeMillis int, tolerateErrors bool) *BidderOutcome {
	outcome := &BidderOutcome{
		Bidder:             bidder,
		Currency:           defaultCurrency,
		Errors:             errs,
		ResponseTimeMillis: responseTimeMillis,
	}
	if seatBid != nil {
		outcome.Bids = seatBid.Bids
		outcome.Currency = seatBid.Currency
		outcome.HttpCalls = seatBid.HttpCalls
	}
	outcome.Failed = errortypes.ContainsFatalError(errs) && !(tolerateErrors && len(outcome.Bids) > 0)
	return outcome
}

// timedOutOutcome is the outcome of a bidder which had not answered when the deadline expired.
func timedOutOutcome(bidder openrtb_ext.BidderName, responseTimeMillis int) *BidderOutcome {
	return &BidderOutcome{
		Bidder:   bidder,
		Currency: defaultCurrency,
		Errors: []error{&errortypes.Timeout{
			Message: "bidder did not respond before the auction deadline",
		}},
		Failed:             true,
		ResponseTimeMillis: responseTimeMillis,
	}
}

// aggregate merges the bidder outcomes. It does no I/O and has no knowledge of any bidder.
func aggregate(outcomes map[openrtb_ext.BidderName]*BidderOutcome) *AuctionResult {
	result := &AuctionResult{
		SeatBids: make(map[openrtb_ext.BidderName]*PbsOrtbSeatBid, len(outcomes)),
		Errors:   make([]BidderError, 0),
		Warnings: make([]BidderError, 0),
		Outcomes: outcomes,
	}

	for _, bidder := range sortedBidders(outcomes) {
		outcome := outcomes[bidder]
		if len(outcome.Bids) > 0 {
			result.SeatBids[bidder] = &PbsOrtbSeatBid{
				Bids:      outcome.Bids,
				Currency:  outcome.Currency,
				HttpCalls: outcome.HttpCalls,
				Seat:      bidder.String(),
			}
			result.HasBids = true
		}
		for _, err := range outcome.Errors {
			bidderErr := BidderError{
				Bidder:  bidder,
				Code:    errortypes.ReadCode(err),
				Message: err.Error(),
			}
			if errortypes.IsWarning(err) {
				result.Warnings = append(result.Warnings, bidderErr)
			} else {
				result.Errors = append(result.Errors, bidderErr)
			}
		}
	}
	return result
}

func sortedBidders(outcomes map[openrtb_ext.BidderName]*BidderOutcome) []openrtb_ext.BidderName {
	bidders := make([]openrtb_ext.BidderName, 0, len(outcomes))
	for bidder := range outcomes {
		bidders = append(bidders, bidder)
	}
	sort.Slice(bidders, func(i, j int) bool { return bidders[i] < bidders[j] })
	return bidders
}

// BuildBidResponse renders the result as an OpenRTB response to the given request. Seats are
// sorted by bidder name. The raw http calls of every bidder are echoed when debug is set.
func (r *AuctionResult) BuildBidResponse(request *openrtb2.BidRequest, debug bool) (*openrtb2.BidResponse, error) {
	bidResponse := &openrtb2.BidResponse{
		ID:      request.ID,
		SeatBid: make([]openrtb2.SeatBid, 0, len(r.SeatBids)),
	}
	if bidResponse.ID == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		bidResponse.ID = id.String()
	}

	currencies := make(map[string]struct{})
	for _, bidder := range sortedSeats(r.SeatBids) {
		seatBid := r.SeatBids[bidder]
		ortbSeat := openrtb2.SeatBid{
			Seat: seatBid.Seat,
			Bid:  make([]openrtb2.Bid, 0, len(seatBid.Bids)),
		}
		for _, pbsBid := range seatBid.Bids {
			bid := *pbsBid.Bid
			bidExt, err := makeBidExtJSON(pbsBid)
			if err != nil {
				return nil, err
			}
			bid.Ext = bidExt
			ortbSeat.Bid = append(ortbSeat.Bid, bid)
			currencies[pbsBid.Currency] = struct{}{}
		}
		bidResponse.SeatBid = append(bidResponse.SeatBid, ortbSeat)
	}
	if len(currencies) == 1 {
		for cur := range currencies {
			bidResponse.Cur = cur
		}
	}

	responseExt := r.makeExtBidResponse(debug)
	ext, err := json.Marshal(responseExt)
	if err != nil {
		return nil, err
	}
	bidResponse.Ext = ext
	return bidResponse, nil
}

func (r *AuctionResult) makeExtBidResponse(debug bool) *openrtb_ext.ExtBidResponse {
	ext := &openrtb_ext.ExtBidResponse{
		ResponseTimeMillis:   make(map[openrtb_ext.BidderName]int, len(r.Outcomes)),
		RequestTimeoutMillis: r.TimeoutMillis,
	}
	for bidder, outcome := range r.Outcomes {
		ext.ResponseTimeMillis[bidder] = outcome.ResponseTimeMillis
	}
	if len(r.Errors) > 0 {
		ext.Errors = groupByBidder(r.Errors)
	}
	if len(r.Warnings) > 0 {
		ext.Warnings = groupByBidder(r.Warnings)
	}
	if debug {
		httpCalls := make(map[openrtb_ext.BidderName][]*openrtb_ext.ExtHttpCall)
		for bidder, outcome := range r.Outcomes {
			if len(outcome.HttpCalls) > 0 {
				httpCalls[bidder] = outcome.HttpCalls
			}
		}
		if len(httpCalls) > 0 {
			ext.Debug = &openrtb_ext.ExtResponseDebug{HttpCalls: httpCalls}
		}
	}
	return ext
}

func groupByBidder(errs []BidderError) map[openrtb_ext.BidderName][]openrtb_ext.ExtBidderMessage {
	grouped := make(map[openrtb_ext.BidderName][]openrtb_ext.ExtBidderMessage)
	for _, err := range errs {
		grouped[err.Bidder] = append(grouped[err.Bidder], openrtb_ext.ExtBidderMessage{
			Code:    err.Code,
			Message: err.Message,
		})
	}
	return grouped
}

func sortedSeats(seats map[openrtb_ext.BidderName]*PbsOrtbSeatBid) []openrtb_ext.BidderName {
	bidders := make([]openrtb_ext.BidderName, 0, len(seats))
	for bidder := range seats {
		bidders = append(bidders, bidder)
	}
	sort.Slice(bidders, func(i, j int) bool { return bidders[i] < bidders[j] })
	return bidders
}

// makeBidExtJSON moves the bidder's own bid.ext under "bidder" and records the resolved media type under "prebid".
func makeBidExtJSON(bid *PbsOrtbBid) (json.RawMessage, error) {
	ext := openrtb_ext.ExtBid{
		Prebid: &openrtb_ext.ExtBidPrebid{
			Type:  bid.BidType,
			Video: bid.BidVideo,
		},
		Bidder: bid.Bid.Ext,
	}
	return json.Marshal(ext)
}
