package exchange

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/deadline"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// Exchange runs Auctions. Implementations must be threadsafe, and will be shared across many goroutines.
type Exchange interface {
	// HoldAuction executes an OpenRTB v2.5 Auction.
	HoldAuction(ctx context.Context, r *AuctionRequest) (*AuctionResult, error)
}

// AuctionRequest holds the bid request for the auction
// and all other information needed to process an auction request
type AuctionRequest struct {
	BidRequest *openrtb2.BidRequest
	// Bidders restricts the auction to these bidder codes. Empty means every bidder named in an imp ext.
	Bidders  []string
	Deadline deadline.Deadline
	// UserSyncs is the caller's uids cookie. It may be nil.
	UserSyncs IdFetcher
	// LegacyLabels is included here for temporary compatibility with cleanOpenRTBRequests
	// in HoldAuction until we get to factoring it away. Do not use for anything new.
	LegacyLabels metrics.Labels
}

type exchange struct {
	adapterMap     map[openrtb_ext.BidderName]AdaptedBidder
	bidderInfo     config.BidderInfos
	cookieFamilies map[openrtb_ext.BidderName]string
	me             metrics.MetricsEngine
}

// bidResponseWrapper carries one bidder's outcome from its goroutine to the auction.
type bidResponseWrapper struct {
	bidder  openrtb_ext.BidderName
	outcome *BidderOutcome
}

// NewExchange builds an Exchange over the given registry of adapted bidders.
func NewExchange(adapterMap map[openrtb_ext.BidderName]AdaptedBidder, infos config.BidderInfos, metricsEngine metrics.MetricsEngine) Exchange {
	return &exchange{
		adapterMap:     adapterMap,
		bidderInfo:     infos,
		cookieFamilies: cookieFamilies(infos),
		me:             metricsEngine,
	}
}

func (e *exchange) HoldAuction(ctx context.Context, r *AuctionRequest) (*AuctionResult, error) {
	if r == nil || r.BidRequest == nil {
		return nil, errors.New("auction request is empty")
	}

	bidderRequests, errs := cleanOpenRTBRequests(r.BidRequest, e.participants(r.Bidders), r.UserSyncs, e.cookieFamilies, r.LegacyLabels)
	if len(errs) > 0 {
		return nil, errortypes.NewAggregateErrors("invalid imp ext", errs)
	}

	debugLog := r.BidRequest.Test == 1

	auctionCtx, cancel := r.Deadline.WithContext(ctx)
	defer cancel()

	outcomes := e.getAllBids(auctionCtx, bidderRequests, r.Deadline, debugLog)

	result := aggregate(outcomes)
	result.ElapsedMillis = r.Deadline.Elapsed().Milliseconds()
	result.TimeoutMillis = r.Deadline.Budget().Milliseconds()
	glog.V(2).Infof("Auction %s ran %d bidders in %dms", r.BidRequest.ID, len(bidderRequests), result.ElapsedMillis)
	return result, nil
}

// participants resolves the requested bidder codes through the registry. Codes which name no
// enabled bidder are dropped.
func (e *exchange) participants(requested []string) map[openrtb_ext.BidderName]struct{} {
	participants := make(map[openrtb_ext.BidderName]struct{}, len(e.adapterMap))
	if len(requested) == 0 {
		for bidderName := range e.adapterMap {
			participants[bidderName] = struct{}{}
		}
		return participants
	}

	for _, code := range requested {
		bidderName, ok := openrtb_ext.NormalizeBidderName(code)
		if !ok {
			continue
		}
		if _, registered := e.adapterMap[bidderName]; registered {
			participants[bidderName] = struct{}{}
		}
	}
	return participants
}

// getAllBids sends all the requests to the bidder adapters and gathers the results. Once ctx is done
// each bidder returns the bids of its settled calls. Bidders which have not answered by the end of
// the grace period are recorded with a single Timeout error. Their late answers land in the
// buffered channel and are never read.
func (e *exchange) getAllBids(ctx context.Context, bidderRequests []BidderRequest, dl deadline.Deadline, debugLog bool) map[openrtb_ext.BidderName]*BidderOutcome {
	outcomes := make(map[openrtb_ext.BidderName]*BidderOutcome, len(bidderRequests))
	chBids := make(chan *bidResponseWrapper, len(bidderRequests))

	for _, bidder := range bidderRequests {
		// Here we actually call the adapters and collect the bids.
		bidderRunner := e.recoverSafely(bidderRequests, func(bidderRequest BidderRequest) {
			brw := &bidResponseWrapper{bidder: bidderRequest.BidderName}
			// Defer basic metrics to insure we capture them after all the values have been set
			defer func() {
				e.me.RecordAdapterRequest(bidderRequest.BidderLabels)
			}()
			start := time.Now()

			reqInfo := adapters.NewExtraRequestInfo(openrtb_ext.ParentBidder(bidderRequest.BidderName))
			seatBid, errs := e.adapterMap[bidderRequest.BidderName].requestBid(ctx, bidderRequest, dl, &reqInfo, debugLog)

			// Add in time reporting
			elapsed := time.Since(start)
			tolerateErrors := e.bidderInfo[bidderRequest.BidderName.String()].TolerateErrors
			brw.outcome = newBidderOutcome(bidderRequest.BidderName, seatBid, errs, int(elapsed/time.Millisecond), tolerateErrors)

			// Timing statistics
			bidderRequest.BidderLabels.AdapterBids = bidsToMetric(seatBid)
			bidderRequest.BidderLabels.AdapterErrors = errorsToMetric(errs)
			e.me.RecordAdapterTime(bidderRequest.BidderLabels, elapsed)
			for _, bid := range brw.outcome.Bids {
				e.me.RecordAdapterPrice(bidderRequest.BidderLabels, bid.Bid.Price)
				e.me.RecordAdapterBidReceived(bidderRequest.BidderLabels, bid.BidType, bid.Bid.AdM != "")
			}
			chBids <- brw
		}, chBids)
		go bidderRunner(bidder)
	}

	// Wait for the bidders to do their thing
	for len(outcomes) < len(bidderRequests) {
		select {
		case brw := <-chBids:
			outcomes[brw.bidder] = brw.outcome
		case <-ctx.Done():
			return e.cutoff(outcomes, bidderRequests, chBids, dl)
		}
	}
	return outcomes
}

// cutoffGracePeriod is how long the auction waits past its deadline for bidders to hand over the
// bids of the calls which settled in time.
const cutoffGracePeriod = 10 * time.Millisecond

// cutoff keeps every answer delivered within the grace period and records the remaining bidders as
// timed out.
func (e *exchange) cutoff(outcomes map[openrtb_ext.BidderName]*BidderOutcome, bidderRequests []BidderRequest, chBids chan *bidResponseWrapper, dl deadline.Deadline) map[openrtb_ext.BidderName]*BidderOutcome {
	grace := time.NewTimer(cutoffGracePeriod)
	defer grace.Stop()

	for waiting := true; waiting && len(outcomes) < len(bidderRequests); {
		select {
		case brw := <-chBids:
			outcomes[brw.bidder] = brw.outcome
		case <-grace.C:
			waiting = false
		}
	}

	elapsedMillis := int(dl.Elapsed() / time.Millisecond)
	for _, bidderRequest := range bidderRequests {
		if _, ok := outcomes[bidderRequest.BidderName]; !ok {
			outcomes[bidderRequest.BidderName] = timedOutOutcome(bidderRequest.BidderName, elapsedMillis)
		}
	}
	return outcomes
}

func (e *exchange) recoverSafely(bidderRequests []BidderRequest,
	inner func(BidderRequest),
	chBids chan *bidResponseWrapper) func(BidderRequest) {
	return func(bidderRequest BidderRequest) {
		defer func() {
			if r := recover(); r != nil {

				allBidders := ""
				sb := strings.Builder{}
				for _, bidder := range bidderRequests {
					sb.WriteString(bidder.BidderName.String())
					sb.WriteString(",")
				}
				if sb.Len() > 0 {
					allBidders = sb.String()[:sb.Len()-1]
				}

				glog.Errorf("OpenRTB auction recovered panic from Bidder %s: %v. "+
					"Account id: %s, All Bidders: %s, Stack trace is: %v",
					bidderRequest.BidderName, r, bidderRequest.BidderLabels.PubID, allBidders, string(debug.Stack()))
				e.me.RecordAdapterPanic(bidderRequest.BidderLabels)
				// Let the master request know that there is no data here
				chBids <- &bidResponseWrapper{
					bidder: bidderRequest.BidderName,
					outcome: &BidderOutcome{
						Bidder:   bidderRequest.BidderName,
						Currency: defaultCurrency,
						Errors:   []error{fmt.Errorf("bidder %s failed unexpectedly: %v", bidderRequest.BidderName, r)},
						Failed:   true,
					},
				}
			}
		}()
		inner(bidderRequest)
	}
}

func bidsToMetric(seatBid *PbsOrtbSeatBid) metrics.AdapterBid {
	if seatBid != nil && len(seatBid.Bids) != 0 {
		return metrics.AdapterBidPresent
	}
	return metrics.AdapterBidNone
}

func errorsToMetric(errs []error) map[metrics.AdapterError]struct{} {
	if len(errs) == 0 {
		return nil
	}
	ret := make(map[metrics.AdapterError]struct{}, len(errs))
	var s struct{}
	for _, err := range errortypes.FatalOnly(errs) {
		switch errortypes.ReadCode(err) {
		case errortypes.TimeoutErrorCode:
			ret[metrics.AdapterErrorTimeout] = s
		case errortypes.BadInputErrorCode:
			ret[metrics.AdapterErrorBadInput] = s
		case errortypes.BadServerResponseErrorCode:
			ret[metrics.AdapterErrorBadServerResponse] = s
		case errortypes.FailedToRequestBidsErrorCode:
			ret[metrics.AdapterErrorFailedToRequestBids] = s
		default:
			ret[metrics.AdapterErrorUnknown] = s
		}
	}
	return ret
}
