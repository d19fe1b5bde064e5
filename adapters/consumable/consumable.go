package consumable

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

const (
	openRTBVersion = "2.5"
	siteURIPath    = "/sb/rtb"
	appURIPath     = "/rtb/bid?s="
)

type adapter struct {
	endpoint string
}

// Builder builds a new instance of the Consumable adapter for the given bidder with the given config.
func Builder(bidderName openrtb_ext.BidderName, info config.BidderInfo) (adapters.Bidder, error) {
	if info.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured for %s", bidderName)
	}
	return &adapter{
		endpoint: strings.TrimSuffix(info.Endpoint, "/"),
	}, nil
}

func (a *adapter) MakeRequests(request *openrtb2.BidRequest, reqInfo *adapters.ExtraRequestInfo) ([]*adapters.RequestData, []error) {
	var errs []error
	var placementID string
	imps := make([]openrtb2.Imp, 0, len(request.Imp))

	for _, imp := range request.Imp {
		impExt, err := parseImpExt(&imp)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !isImpValid(request, impExt) {
			errs = append(errs, &errortypes.BadInput{
				Message: fmt.Sprintf("imp %s: app requests need a placementId and site requests need siteId, networkId and unitId", imp.ID),
			})
			continue
		}
		if placementID == "" && impExt.PlacementId != "" {
			placementID = impExt.PlacementId
		}
		if imp.Ext, err = rewriteImpExt(imp.Ext, impExt); err != nil {
			errs = append(errs, &errortypes.BadInput{Message: err.Error()})
			continue
		}
		imps = append(imps, imp)
	}

	if len(imps) == 0 {
		return nil, errs
	}

	requestCopy := *request
	requestCopy.Imp = imps
	body, err := json.Marshal(requestCopy)
	if err != nil {
		return nil, append(errs, err)
	}

	headers := http.Header{}
	headers.Add("Content-Type", "application/json;charset=utf-8")
	headers.Add("Accept", "application/json")
	headers.Add("x-openrtb-version", openRTBVersion)

	return []*adapters.RequestData{{
		Method:  http.MethodPost,
		Uri:     a.uri(placementID),
		Body:    body,
		Headers: headers,
		ImpIDs:  openrtb_ext.GetImpIDs(imps),
	}}, errs
}

func (a *adapter) uri(placementID string) string {
	if placementID == "" {
		return a.endpoint + siteURIPath
	}
	return a.endpoint + appURIPath + placementID
}

func parseImpExt(imp *openrtb2.Imp) (*openrtb_ext.ExtImpConsumable, error) {
	var bidderExt adapters.ExtImpBidder
	if err := json.Unmarshal(imp.Ext, &bidderExt); err != nil {
		return nil, &errortypes.BadInput{
			Message: fmt.Sprintf("imp %s: ext.bidder not provided", imp.ID),
		}
	}

	var impExt openrtb_ext.ExtImpConsumable
	if err := json.Unmarshal(bidderExt.Bidder, &impExt); err != nil {
		return nil, &errortypes.BadInput{
			Message: fmt.Sprintf("imp %s: invalid ext.bidder: %v", imp.ID, err),
		}
	}
	return &impExt, nil
}

func isImpValid(request *openrtb2.BidRequest, impExt *openrtb_ext.ExtImpConsumable) bool {
	return (request.App != nil && impExt.PlacementId != "") ||
		(request.Site != nil && impExt.SiteId != 0 && impExt.NetworkId != 0 && impExt.UnitId != 0)
}

// rewriteImpExt copies the bidder params to the top level of imp.ext as strings, the shape the
// Consumable endpoint reads.
func rewriteImpExt(ext json.RawMessage, impExt *openrtb_ext.ExtImpConsumable) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(ext, &fields); err != nil {
		return nil, err
	}

	set := func(key, value string) {
		encoded, _ := json.Marshal(value)
		fields[key] = encoded
	}
	if impExt.PlacementId != "" {
		set("placementId", impExt.PlacementId)
	} else {
		set("siteId", strconv.Itoa(impExt.SiteId))
		if impExt.UnitName != "" {
			set("unitName", impExt.UnitName)
		}
		set("unitId", strconv.Itoa(impExt.UnitId))
		set("networkId", strconv.Itoa(impExt.NetworkId))
	}
	return json.Marshal(fields)
}

func (a *adapter) MakeBids(internalRequest *openrtb2.BidRequest, externalRequest *adapters.RequestData, response *adapters.ResponseData) (*adapters.BidderResponse, []error) {
	if adapters.IsResponseStatusCodeNoContent(response) {
		return nil, nil
	}
	if err := adapters.CheckResponseStatusCodeForErrors(response); err != nil {
		return nil, []error{err}
	}

	var bidResponse openrtb2.BidResponse
	if err := json.Unmarshal(response.Body, &bidResponse); err != nil {
		return nil, []error{&errortypes.BadServerResponse{
			Message: fmt.Sprintf("Bad server response: %v", err),
		}}
	}

	var errs []error
	bidderResponse := adapters.NewBidderResponseWithBidsCapacity(len(internalRequest.Imp))
	if bidResponse.Cur != "" {
		bidderResponse.Currency = bidResponse.Cur
	}

	for _, seatBid := range bidResponse.SeatBid {
		for i := range seatBid.Bid {
			bid := seatBid.Bid[i]
			bidType, err := adapters.ResolveBidType(&bid, internalRequest.Imp)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			typedBid := &adapters.TypedBid{
				Bid:     &bid,
				BidType: bidType,
			}
			if bidType == openrtb_ext.BidTypeVideo {
				typedBid.BidVideo = &openrtb_ext.ExtBidPrebidVideo{Duration: int(bid.Dur)}
			}
			bidderResponse.Bids = append(bidderResponse.Bids, typedBid)
		}
	}
	return bidderResponse, errs
}
