package openrtb_ext

import (
	"encoding/json"

	"github.com/prebid/openrtb/v20/openrtb2"
)

// PrebidExtKey represents the prebid extension key used in requests
const PrebidExtKey = "prebid"

// PrebidExtBidderKey represents the field name within request.imp.ext.prebid reserved for bidder params.
const PrebidExtBidderKey = "bidder"

// ExtImpPrebid defines the contract for bidrequest.imp[i].ext.prebid
type ExtImpPrebid struct {
	// Bidder is the preferred approach for providing parameters to be interpreted by the bidder's adapter.
	Bidder map[string]json.RawMessage `json:"bidder"`
}

// GetImpIDs returns slice of all imp ids from imps
func GetImpIDs(imps []openrtb2.Imp) []string {
	impIDs := make([]string, len(imps))
	for i := range imps {
		impIDs[i] = imps[i].ID
	}
	return impIDs
}
