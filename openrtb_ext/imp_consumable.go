package openrtb_ext

// ExtImpConsumable defines the contract for bidrequest.imp[i].ext.prebid.bidder.consumable
// Either PlacementId (app traffic) or the NetworkId/SiteId/UnitId triple (site traffic) is required.
type ExtImpConsumable struct {
	NetworkId   int    `json:"networkId,omitempty"`
	SiteId      int    `json:"siteId,omitempty"`
	UnitId      int    `json:"unitId,omitempty"`
	UnitName    string `json:"unitName,omitempty"`
	PlacementId string `json:"placementId,omitempty"`
}
