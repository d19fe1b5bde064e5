package adapters

import (
	"fmt"

	"github.com/buger/jsonparser"
	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// ResolveBidType finds the media type of a bid returned by a bidder.
//
// The bid's mtype wins, then bid.ext.prebid.type, then the first media type the matching imp
// declares out of banner, video, native and audio. A bid whose imp is unknown or declares no
// media type is a BadServerResponse.
func ResolveBidType(bid *openrtb2.Bid, imps []openrtb2.Imp) (openrtb_ext.BidType, error) {
	if bidType, ok := bidTypeFromMarkupType(bid.MType); ok {
		return bidType, nil
	}
	if bidType, ok := bidTypeFromExt(bid.Ext); ok {
		return bidType, nil
	}
	return bidTypeFromImp(bid.ImpID, imps)
}

func bidTypeFromMarkupType(markupType openrtb2.MarkupType) (openrtb_ext.BidType, bool) {
	switch markupType {
	case openrtb2.MarkupBanner:
		return openrtb_ext.BidTypeBanner, true
	case openrtb2.MarkupVideo:
		return openrtb_ext.BidTypeVideo, true
	case openrtb2.MarkupAudio:
		return openrtb_ext.BidTypeAudio, true
	case openrtb2.MarkupNative:
		return openrtb_ext.BidTypeNative, true
	}
	return "", false
}

func bidTypeFromExt(ext []byte) (openrtb_ext.BidType, bool) {
	if len(ext) == 0 {
		return "", false
	}
	value, err := jsonparser.GetString(ext, openrtb_ext.PrebidExtKey, "type")
	if err != nil {
		return "", false
	}
	bidType, err := openrtb_ext.ParseBidType(value)
	if err != nil {
		return "", false
	}
	return bidType, true
}

func bidTypeFromImp(impID string, imps []openrtb2.Imp) (openrtb_ext.BidType, error) {
	for i := range imps {
		if imps[i].ID != impID {
			continue
		}
		switch {
		case imps[i].Banner != nil:
			return openrtb_ext.BidTypeBanner, nil
		case imps[i].Video != nil:
			return openrtb_ext.BidTypeVideo, nil
		case imps[i].Native != nil:
			return openrtb_ext.BidTypeNative, nil
		case imps[i].Audio != nil:
			return openrtb_ext.BidTypeAudio, nil
		}
		return "", &errortypes.BadServerResponse{
			Message: fmt.Sprintf("Impression id %s declares no media type for the bid", impID),
		}
	}
	return "", &errortypes.BadServerResponse{
		Message: fmt.Sprintf("Unmatched impression id %s", impID),
	}
}
