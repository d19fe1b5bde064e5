package usersync

import (
	"fmt"

	"github.com/prebid/prebid-server-core/config"
)

// SyncerBuildError represents an error with building a syncer.
type SyncerBuildError struct {
	Bidder    string
	SyncerKey string
	Err       error
}

// Error implements the standard error interface.
func (e SyncerBuildError) Error() string {
	return fmt.Sprintf("cannot create syncer for bidder %s with key %s: %v", e.Bidder, e.SyncerKey, e.Err)
}

// BuildSyncers builds one Syncer for every enabled bidder which declares a userSync section,
// keyed by bidder name. A bidder without a syncer key uses its name as its cookie family.
func BuildSyncers(hostConfig *config.Configuration, bidderInfos config.BidderInfos) (map[string]Syncer, []error) {
	hostUserSyncConfig := hostConfig.UserSync
	if hostUserSyncConfig.ExternalURL == "" {
		hostUserSyncConfig.ExternalURL = hostConfig.ExternalURL
	}

	var errs []error
	syncers := make(map[string]Syncer, len(bidderInfos))
	for bidder, bidderInfo := range bidderInfos {
		if !shouldCreateSyncer(bidderInfo) {
			continue
		}

		syncerCfg := *bidderInfo.Syncer
		if syncerCfg.Key == "" {
			syncerCfg.Key = bidder
		}

		syncer, err := NewSyncer(hostUserSyncConfig, syncerCfg)
		if err != nil {
			errs = append(errs, SyncerBuildError{
				Bidder:    bidder,
				SyncerKey: syncerCfg.Key,
				Err:       err,
			})
			continue
		}
		syncers[bidder] = syncer
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return syncers, nil
}

func shouldCreateSyncer(cfg config.BidderInfo) bool {
	return cfg.Enabled && cfg.Syncer != nil
}
