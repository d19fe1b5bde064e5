package exchange

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/prebid/prebid-server-core/adapters"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// BuildAdapters builds the registry of every enabled bidder. Each entry wraps the bidder's
// adapter with its declared capabilities and the shared Call Executor.
func BuildAdapters(client *http.Client, cfg *config.Configuration, infos config.BidderInfos, me metrics.MetricsEngine) (map[openrtb_ext.BidderName]AdaptedBidder, []error) {
	bidders, errs := buildBidders(infos, newAdapterBuilders())

	if len(errs) > 0 {
		return nil, errs
	}

	exchangeBidders := make(map[openrtb_ext.BidderName]AdaptedBidder, len(bidders))
	for bidderName, bidder := range bidders {
		exchangeBidders[bidderName] = AdaptBidder(bidder, client, cfg, me, bidderName)
	}
	return exchangeBidders, nil
}

func buildBidders(infos config.BidderInfos, builders map[openrtb_ext.BidderName]adapters.Builder) (map[openrtb_ext.BidderName]adapters.Bidder, []error) {
	bidders := make(map[openrtb_ext.BidderName]adapters.Bidder)
	var errs []error

	for bidder, info := range infos {
		bidderName, bidderNameFound := openrtb_ext.NormalizeBidderName(bidder)
		if !bidderNameFound {
			errs = append(errs, fmt.Errorf("%v: unknown bidder", bidder))
			continue
		}

		if len(info.AliasOf) > 0 {
			if err := setAliasBuilder(info, builders, bidderName); err != nil {
				errs = append(errs, fmt.Errorf("%v: failed to set alias builder: %v", bidder, err))
				continue
			}
		}

		builder, builderFound := builders[bidderName]
		if !builderFound {
			errs = append(errs, fmt.Errorf("%v: builder not registered", bidder))
			continue
		}

		if info.Enabled {
			bidderInstance, builderErr := builder(bidderName, info)
			if builderErr != nil {
				errs = append(errs, fmt.Errorf("%v: %v", bidder, builderErr))
				continue
			}
			bidders[bidderName] = adapters.BuildInfoAwareBidder(bidderInstance, info)
		}
	}
	return bidders, errs
}

func setAliasBuilder(info config.BidderInfo, builders map[openrtb_ext.BidderName]adapters.Builder, bidderName openrtb_ext.BidderName) error {
	parentBidderName, parentBidderFound := openrtb_ext.NormalizeBidderName(info.AliasOf)
	if !parentBidderFound {
		return fmt.Errorf("unknown parent bidder: %v for alias: %v", info.AliasOf, bidderName)
	}

	builder, builderFound := builders[parentBidderName]
	if !builderFound {
		return fmt.Errorf("%v: parent builder not registered", parentBidderName)
	}
	builders[bidderName] = builder
	return nil
}

// GetActiveBidders returns the sorted names of the enabled bidders.
func GetActiveBidders(infos config.BidderInfos) []openrtb_ext.BidderName {
	active := make([]openrtb_ext.BidderName, 0, len(infos))
	for bidder, info := range infos {
		if !info.Enabled {
			continue
		}
		if bidderName, ok := openrtb_ext.NormalizeBidderName(bidder); ok {
			active = append(active, bidderName)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	return active
}

// cookieFamilies maps each bidder to the key of its record in the uids cookie. Bidders without a
// syncer key use their own name.
func cookieFamilies(infos config.BidderInfos) map[openrtb_ext.BidderName]string {
	families := make(map[openrtb_ext.BidderName]string, len(infos))
	for bidder, info := range infos {
		bidderName, ok := openrtb_ext.NormalizeBidderName(bidder)
		if !ok {
			continue
		}
		families[bidderName] = bidderName.String()
		if info.Syncer != nil && info.Syncer.Key != "" {
			families[bidderName] = info.Syncer.Key
		}
	}
	return families
}
