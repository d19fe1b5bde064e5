package adapters

import (
	"fmt"
	"net/http"

	"github.com/prebid/prebid-server-core/errortypes"
)

// IsResponseStatusCodeNoContent reports whether the bidder answered with no bids.
func IsResponseStatusCodeNoContent(response *ResponseData) bool {
	return response.StatusCode == http.StatusNoContent
}

// CheckResponseStatusCodeForErrors returns a BadServerResponse for any status outside 2xx.
func CheckResponseStatusCodeForErrors(response *ResponseData) error {
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &errortypes.BadServerResponse{
			Message: fmt.Sprintf("Unexpected status code: %d. Run with request.test = 1 for more info", response.StatusCode),
		}
	}
	return nil
}
