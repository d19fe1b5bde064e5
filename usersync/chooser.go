package usersync

import (
	"sort"
	"strings"

	"github.com/golang/glog"
)

// Status values of a cookie sync Result.
const (
	StatusOK       = "ok"
	StatusNoCookie = "no_cookie"
)

// CookieLookup answers whether the caller's cookie already holds live user ids.
type CookieLookup interface {
	HasLiveSync(family string) bool
	HasAnyLiveSyncs() bool
}

// Request is a cookie sync request: the bidders to consider plus the consent signals passed to
// their sync urls.
type Request struct {
	// Bidders lists the bidder codes to sync. Empty means every bidder with a syncer.
	Bidders []string
	// Limit caps the number of returned syncs. Zero or less means no cap.
	Limit   int
	Privacy Privacy
}

// CookieSyncBidders is one bidder which needs a sync.
type CookieSyncBidders struct {
	BidderCode   string `json:"bidder"`
	NoCookie     bool   `json:"no_cookie,omitempty"`
	UsersyncInfo *Sync  `json:"usersync,omitempty"`
}

// Result is the outcome of a cookie sync request.
type Result struct {
	// Status is StatusNoCookie when the caller has no live user id for any family, otherwise StatusOK.
	Status       string
	BidderStatus []CookieSyncBidders
}

// Chooser decides which bidders should sync with the caller.
type Chooser interface {
	Choose(request Request, cookie CookieLookup) Result
}

// NewChooser returns a Chooser over the bidders which have a syncer.
func NewChooser(syncersByBidder map[string]Syncer) Chooser {
	bidders := make([]string, 0, len(syncersByBidder))
	lookup := make(map[string]string, len(syncersByBidder))
	for bidder := range syncersByBidder {
		bidders = append(bidders, bidder)
		lookup[strings.ToLower(bidder)] = bidder
	}
	sort.Strings(bidders)

	return standardChooser{
		syncersByBidder: syncersByBidder,
		bidders:         bidders,
		bidderLookup:    lookup,
	}
}

type standardChooser struct {
	syncersByBidder map[string]Syncer
	bidders         []string
	bidderLookup    map[string]string
}

// Choose lists a sync for every requested bidder whose cookie family has no live user id.
// Unknown bidder codes are dropped silently.
func (c standardChooser) Choose(request Request, cookie CookieLookup) Result {
	result := Result{
		Status:       StatusOK,
		BidderStatus: make([]CookieSyncBidders, 0, len(request.Bidders)),
	}
	if !cookie.HasAnyLiveSyncs() {
		result.Status = StatusNoCookie
	}

	requested := request.Bidders
	if len(requested) == 0 {
		requested = c.bidders
	}

	seen := make(map[string]struct{}, len(requested))
	for _, code := range requested {
		if request.Limit > 0 && len(result.BidderStatus) >= request.Limit {
			break
		}

		bidder, ok := c.bidderLookup[strings.ToLower(code)]
		if !ok {
			continue
		}
		if _, dup := seen[bidder]; dup {
			continue
		}
		seen[bidder] = struct{}{}

		syncer := c.syncersByBidder[bidder]
		if cookie.HasLiveSync(syncer.Key()) {
			continue
		}

		sync, err := syncer.GetSync(request.Privacy)
		if err != nil {
			glog.Warningf("Failed to build the sync url of bidder %s: %v", bidder, err)
			continue
		}
		result.BidderStatus = append(result.BidderStatus, CookieSyncBidders{
			BidderCode:   bidder,
			NoCookie:     true,
			UsersyncInfo: &sync,
		})
	}
	return result
}
