package info

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prebid/prebid-server-core/config"
	"github.com/stretchr/testify/assert"
)

func TestBiddersEndpoint(t *testing.T) {
	bidders := config.BidderInfos{
		"consumable": {Enabled: true},
		"bidderb":    {Enabled: false, AliasOf: "consumable"},
		"bidderc":    {Enabled: true, AliasOf: "consumable"},
	}
	endpoint := NewBiddersEndpoint(bidders)

	testCases := []struct {
		description    string
		uri            string
		expectedStatus int
		expectedBody   string
	}{
		{
			description:    "all bidders",
			uri:            "/info/bidders",
			expectedStatus: http.StatusOK,
			expectedBody:   `["bidderb","bidderc","consumable"]`,
		},
		{
			description:    "enabledonly false",
			uri:            "/info/bidders?enabledonly=false",
			expectedStatus: http.StatusOK,
			expectedBody:   `["bidderb","bidderc","consumable"]`,
		},
		{
			description:    "enabledonly true",
			uri:            "/info/bidders?enabledonly=true",
			expectedStatus: http.StatusOK,
			expectedBody:   `["bidderc","consumable"]`,
		},
		{
			description:    "enabledonly invalid",
			uri:            "/info/bidders?enabledonly=yes",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   string(invalidEnabledOnlyMsg),
		},
	}

	for _, test := range testCases {
		responseRecorder := httptest.NewRecorder()
		endpoint(responseRecorder, httptest.NewRequest(http.MethodGet, test.uri, nil), nil)

		assert.Equal(t, test.expectedStatus, responseRecorder.Code, test.description)
		assert.Equal(t, test.expectedBody, responseRecorder.Body.String(), test.description)
		if test.expectedStatus == http.StatusOK {
			assert.Equal(t, "application/json", responseRecorder.Header().Get("Content-Type"), test.description)
		}
	}
}
