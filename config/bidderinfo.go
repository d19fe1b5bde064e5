package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/prebid/prebid-server-core/openrtb_ext"
	"gopkg.in/yaml.v2"
)

// BidderInfos contains a mapping of bidder name to bidder info.
type BidderInfos map[string]BidderInfo

// BidderInfo specifies the static configuration of a bidder, merged with its host overrides.
type BidderInfo struct {
	Enabled bool `yaml:"-"` // copied from the adapter config
	// Endpoint is the bidder's default endpoint, replaced by adapters.<bidder>.endpoint when set.
	Endpoint     string            `yaml:"endpoint"`
	Maintainer   *MaintainerInfo   `yaml:"maintainer"`
	Capabilities *CapabilitiesInfo `yaml:"capabilities"`
	// TolerateErrors keeps the bidder's status successful when it returned at least one usable bid
	// alongside errors.
	TolerateErrors bool    `yaml:"tolerateErrors"`
	Syncer         *Syncer `yaml:"userSync"`
	// AliasOf names the core bidder whose adapter serves this bidder. Endpoint, Maintainer and
	// Capabilities are inherited from the parent when left empty.
	AliasOf string `yaml:"aliasOf"`
}

// MaintainerInfo specifies the support email address for a bidder.
type MaintainerInfo struct {
	Email string `yaml:"email"`
}

// CapabilitiesInfo specifies the supported platforms for a bidder.
type CapabilitiesInfo struct {
	App  *PlatformInfo `yaml:"app"`
	Site *PlatformInfo `yaml:"site"`
}

// PlatformInfo specifies the supported media types for a bidder.
type PlatformInfo struct {
	MediaTypes []openrtb_ext.BidType `yaml:"mediaTypes"`
}

// Syncer specifies the user sync settings for a bidder.
type Syncer struct {
	// Key is the cookie family of the bidder: the record key in the uids cookie. Empty means the
	// bidder name.
	Key      string          `yaml:"key"`
	IFrame   *SyncerEndpoint `yaml:"iframe"`
	Redirect *SyncerEndpoint `yaml:"redirect"`
	// SupportCORS identifies if CORS is supported for the user syncing endpoints.
	SupportCORS bool `yaml:"supportCors"`
}

// SyncerEndpoint specifies the url returned by /cookie_sync for one sync type.
//
// URL may use {{.RedirectURL}}, resolved at startup, and {{.GDPR}}, {{.GDPRConsent}} and
// {{.USPrivacy}}, resolved per request.
type SyncerEndpoint struct {
	URL string `yaml:"url"`
	// RedirectURL overrides the host's user_sync.redirect_url for this bidder.
	RedirectURL string `yaml:"redirectUrl"`
	// ExternalURL overrides the host's external_url for this bidder.
	ExternalURL string `yaml:"externalUrl"`
	// UserMacro is the bidder server's placeholder for its own user id, such as "$UID".
	UserMacro string `yaml:"userMacro"`
}

// LoadBidderInfoFromDisk parses all static/bidder-info/{bidder}.yaml files from the file system.
func LoadBidderInfoFromDisk(path string, adapterConfigs map[string]Adapter, bidders []string) (BidderInfos, error) {
	reader := infoReaderFromDisk{path}
	return loadBidderInfo(reader, adapterConfigs, bidders)
}

func loadBidderInfo(r infoReader, adapterConfigs map[string]Adapter, bidders []string) (BidderInfos, error) {
	infos := BidderInfos{}

	for _, bidder := range bidders {
		data, err := r.Read(bidder)
		if err != nil {
			return nil, err
		}

		info := BidderInfo{}
		if err := yaml.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("error parsing yaml for bidder %s: %v", bidder, err)
		}

		applyAdapterConfig(&info, adapterConfigs, bidder)
		infos[bidder] = info
	}

	if err := processBidderAliases(infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// processBidderAliases registers every alias and fills the fields it inherits from its parent.
func processBidderAliases(infos BidderInfos) error {
	for bidder, info := range infos {
		if info.AliasOf == "" {
			continue
		}
		parent, ok := infos[info.AliasOf]
		if !ok {
			return fmt.Errorf("bidder: %s not found for an alias: %s", info.AliasOf, bidder)
		}
		if parent.AliasOf != "" {
			return fmt.Errorf("bidder: %s cannot be an alias of an alias: %s", bidder, info.AliasOf)
		}
		parentName, ok := openrtb_ext.NormalizeBidderName(info.AliasOf)
		if !ok {
			return fmt.Errorf("bidder: %s is an alias of unknown bidder %s", bidder, info.AliasOf)
		}
		if err := openrtb_ext.SetAliasBidderName(bidder, parentName); err != nil {
			return err
		}

		if info.Endpoint == "" {
			info.Endpoint = parent.Endpoint
		}
		if info.Maintainer == nil {
			info.Maintainer = parent.Maintainer
		}
		if info.Capabilities == nil {
			info.Capabilities = parent.Capabilities
		}
		infos[bidder] = info
	}
	return nil
}

func applyAdapterConfig(info *BidderInfo, adapterConfigs map[string]Adapter, bidderName string) {
	a, ok := adapterConfigs[strings.ToLower(bidderName)]
	info.Enabled = ok && !a.Disabled
	if !ok {
		return
	}
	if a.Endpoint != "" {
		info.Endpoint = a.Endpoint
	}
	if a.UserSyncURL != "" && info.Syncer != nil {
		redirect := SyncerEndpoint{}
		if info.Syncer.Redirect != nil {
			redirect = *info.Syncer.Redirect
		}
		redirect.URL = a.UserSyncURL
		syncer := *info.Syncer
		syncer.Redirect = &redirect
		info.Syncer = &syncer
	}
}

type infoReader interface {
	Read(bidder string) ([]byte, error)
}

type infoReaderFromDisk struct {
	path string
}

func (r infoReaderFromDisk) Read(bidder string) ([]byte, error) {
	path := fmt.Sprintf("%v/%v.yaml", r.path, bidder)
	return os.ReadFile(path)
}

// SupportsMediaType reports whether the bidder declared the media type for the platform.
func (info BidderInfo) SupportsMediaType(site bool, mediaType openrtb_ext.BidType) bool {
	if info.Capabilities == nil {
		return false
	}
	platform := info.Capabilities.App
	if site {
		platform = info.Capabilities.Site
	}
	if platform == nil {
		return false
	}
	for _, supported := range platform.MediaTypes {
		if supported == mediaType {
			return true
		}
	}
	return false
}
