package exchange

import (
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/adapters/consumable"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// The newAdapterBuilders function is segregated to its own file to make it a simple and clean location for each Adapter
// to register itself. No wading through Exchange code to find it.

func newAdapterBuilders() map[openrtb_ext.BidderName]adapters.Builder {
	return map[openrtb_ext.BidderName]adapters.Builder{
		openrtb_ext.BidderConsumable: consumable.Builder,
	}
}
