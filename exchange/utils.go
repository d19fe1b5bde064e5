package exchange

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// IdFetcher can find the user's ID for a specific cookie family.
type IdFetcher interface {
	GetUID(key string) (uid string, isUIDFound bool, isUIDActive bool)
}

// BidderRequest holds the bidder specific request and all other
// information needed to process that bidder request.
type BidderRequest struct {
	BidRequest   *openrtb2.BidRequest
	BidderName   openrtb_ext.BidderName
	BidderLabels metrics.AdapterLabels
}

// cleanOpenRTBRequests splits the input request into requests which are sanitized for each bidder. Intended behavior is:
//
//  1. BidRequest.Imp[].Ext will only contain the "prebid" field and a "bidder" field which has the params for the intended Bidder.
//  2. Every BidRequest.Imp[] requested Bids from the Bidder who keys it.
//  3. BidRequest.User.BuyerUID will be set to that Bidder's ID.
//
// Bidders outside participants are dropped. Bidders left without imps get no request.
func cleanOpenRTBRequests(orig *openrtb2.BidRequest,
	participants map[openrtb_ext.BidderName]struct{},
	usersyncs IdFetcher,
	cookieFamilies map[openrtb_ext.BidderName]string,
	labels metrics.Labels) ([]BidderRequest, []error) {

	impsByBidder, errs := splitImps(orig.Imp)
	if len(errs) > 0 {
		return nil, errs
	}

	bidderRequests := make([]BidderRequest, 0, len(impsByBidder))
	for bidderName, imps := range impsByBidder {
		if _, ok := participants[bidderName]; !ok {
			continue
		}

		reqCopy := *orig
		reqCopy.Imp = imps

		bidderLabels := metrics.AdapterLabels{
			Source:     labels.Source,
			RType:      labels.RType,
			Adapter:    bidderName,
			PubID:      labels.PubID,
			CookieFlag: metrics.CookieFlagUnknown,
		}
		if usersyncs != nil {
			if prepareUser(&reqCopy, cookieFamilies[bidderName], usersyncs) {
				bidderLabels.CookieFlag = metrics.CookieFlagYes
			} else {
				bidderLabels.CookieFlag = metrics.CookieFlagNo
			}
		}

		bidderRequests = append(bidderRequests, BidderRequest{
			BidRequest:   &reqCopy,
			BidderName:   bidderName,
			BidderLabels: bidderLabels,
		})
	}

	sort.Slice(bidderRequests, func(i, j int) bool {
		return bidderRequests[i].BidderName < bidderRequests[j].BidderName
	})
	return bidderRequests, nil
}

// splitImps takes a list of Imps and returns a map of imps which have been sanitized for each bidder.
//
// For example, suppose imps has two elements. One goes to rubicon, while the other goes to appnexus and index.
// The returned map will have three keys: rubicon, appnexus, and index--each with one Imp.
// The "imp.ext" value of the appnexus Imp will only contain the "prebid" values, and "appnexus" value at the "bidder" key.
// The "imp.ext" value of the rubicon Imp will only contain the "prebid" values, and "rubicon" value at the "bidder" key.
//
// The goal here is so that Bidders only get Imps and Imp.Ext values which are intended for them.
// Keys which name no known bidder are ignored.
func splitImps(imps []openrtb2.Imp) (map[openrtb_ext.BidderName][]openrtb2.Imp, []error) {
	impExts, err := parseImpExts(imps)
	if err != nil {
		return nil, []error{err}
	}

	splitImps := make(map[openrtb_ext.BidderName][]openrtb2.Imp, len(imps))
	var errList []error

	for i := 0; i < len(imps); i++ {
		imp := imps[i]
		impExt := impExts[i]

		rawPrebidExt, ok := impExt[openrtb_ext.PrebidExtKey]

		if ok {
			var prebidExt openrtb_ext.ExtImpPrebid

			if err := json.Unmarshal(rawPrebidExt, &prebidExt); err == nil && prebidExt.Bidder != nil {
				errList = append(errList, sanitizedImpCopy(&imp, prebidExt.Bidder, rawPrebidExt, splitImps)...)
				continue
			}
		}

		errList = append(errList, sanitizedImpCopy(&imp, impExt, rawPrebidExt, splitImps)...)
	}

	return splitImps, errList
}

// sanitizedImpCopy writes a copy of imp, with its ext filtered so that only "prebid" and the bidder's
// params exist, to out for every bidder named in bidderExts. It will not mutate the input imp.
func sanitizedImpCopy(imp *openrtb2.Imp,
	bidderExts map[string]json.RawMessage,
	rawPrebidExt json.RawMessage,
	out map[openrtb_ext.BidderName][]openrtb2.Imp) []error {

	var prebidExt map[string]json.RawMessage
	var errs []error

	// We don't want to include other demand partners' bidder params
	// in the sanitized imp
	if err := json.Unmarshal(rawPrebidExt, &prebidExt); err == nil {
		delete(prebidExt, openrtb_ext.PrebidExtBidderKey)

		rawPrebidExt = nil
		if len(prebidExt) > 0 {
			var err error
			if rawPrebidExt, err = json.Marshal(prebidExt); err != nil {
				errs = append(errs, err)
			}
		}
	}

	seen := make(map[openrtb_ext.BidderName]struct{}, len(bidderExts))
	for bidder, ext := range bidderExts {
		if bidder == openrtb_ext.PrebidExtKey {
			continue
		}
		bidderName, ok := openrtb_ext.NormalizeBidderName(bidder)
		if !ok {
			continue
		}
		if _, dup := seen[bidderName]; dup {
			continue
		}
		seen[bidderName] = struct{}{}

		impCopy := *imp
		newExt := make(map[string]json.RawMessage, 2)

		newExt[openrtb_ext.PrebidExtBidderKey] = ext

		if rawPrebidExt != nil {
			newExt[openrtb_ext.PrebidExtKey] = rawPrebidExt
		}

		rawExt, err := json.Marshal(newExt)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		impCopy.Ext = rawExt

		out[bidderName] = append(out[bidderName], impCopy)
	}

	return errs
}

// prepareUser changes req.User so that it's ready for the given bidder.
// This *will* mutate the request, but will *not* mutate any objects nested inside it.
//
// It returns true if the uids cookie held a live id for the bidder's cookie family.
func prepareUser(req *openrtb2.BidRequest, cookieFamily string, usersyncs IdFetcher) bool {
	cookieID, hadCookie, isActive := usersyncs.GetUID(cookieFamily)
	hadCookie = hadCookie && isActive

	if hadCookie {
		req.User = copyWithBuyerUID(req.User, cookieID)
	}

	return hadCookie
}

// copyWithBuyerUID either overwrites the BuyerUID property on user with the argument, or returns
// a new (empty) User with the BuyerUID already set.
func copyWithBuyerUID(user *openrtb2.User, buyerUID string) *openrtb2.User {
	if user == nil {
		return &openrtb2.User{
			BuyerUID: buyerUID,
		}
	}
	if user.BuyerUID == "" {
		clone := *user
		clone.BuyerUID = buyerUID
		return &clone
	}
	return user
}

// parseImpExts does a partial-unmarshal of the imp[].Ext field.
// The keys in the returned map are expected to be "prebid" or BidderNames. An imp without an ext gets an empty map.
func parseImpExts(imps []openrtb2.Imp) ([]map[string]json.RawMessage, error) {
	exts := make([]map[string]json.RawMessage, len(imps))
	// Loop over every impression in the request
	for i := 0; i < len(imps); i++ {
		if len(imps[i].Ext) == 0 {
			continue
		}
		// Unpack each set of extensions found in the Imp array
		err := json.Unmarshal(imps[i].Ext, &exts[i])
		if err != nil {
			return nil, &errortypes.BadInput{
				Message: fmt.Sprintf("Error unpacking extensions for Imp[%d]: %s", i, err.Error()),
			}
		}
	}
	return exts, nil
}
