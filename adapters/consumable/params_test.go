package consumable

import (
	"encoding/json"
	"testing"

	"github.com/prebid/prebid-server-core/openrtb_ext"
)

// This file actually intends to test static/bidder-params/consumable.json
//
// These also validate the format of the external API: request.imp[i].ext.prebid.bidder.consumable

// TestValidParams makes sure that the Consumable schema accepts all imp.ext fields which we intend to support.
func TestValidParams(t *testing.T) {
	validator, err := openrtb_ext.NewBidderParamsValidator("../../static/bidder-params")
	if err != nil {
		t.Fatalf("Failed to fetch the json-schemas. %v", err)
	}

	for _, validParam := range validParams {
		if err := validator.Validate(openrtb_ext.BidderConsumable, json.RawMessage(validParam)); err != nil {
			t.Errorf("Schema rejected consumable params: %s", validParam)
		}
	}
}

// TestInvalidParams makes sure that the Consumable schema rejects all the imp.ext fields we don't support.
func TestInvalidParams(t *testing.T) {
	validator, err := openrtb_ext.NewBidderParamsValidator("../../static/bidder-params")
	if err != nil {
		t.Fatalf("Failed to fetch the json-schemas. %v", err)
	}

	for _, invalidParam := range invalidParams {
		if err := validator.Validate(openrtb_ext.BidderConsumable, json.RawMessage(invalidParam)); err == nil {
			t.Errorf("Schema allowed unexpected params: %s", invalidParam)
		}
	}
}

var validParams = []string{
	`{"networkId": 22, "siteId": 1, "unitId": 101, "unitName": "unit-1"}`,
	`{"networkId": 22, "siteId": 1, "unitId": 101}`,
	`{"placementId": "0421008445828ceb"}`,
}

var invalidParams = []string{
	``,
	`null`,
	`true`,
	`5`,
	`4.2`,
	`[]`,
	`{}`,
	`{"siteId": 1, "unitId": 101, "unitName": "unit-1"}`,
	`{"networkId": 22, "unitId": 101, "unitName": "unit-1"}`,
	`{"networkId": 22, "siteId": 1, "unitName": "unit-1"}`,
	`{"networkId": "22", "siteId": 1, "unitId": 101}`,
	`{"placementId": ""}`,
	`{"placementId": 12}`,
}
