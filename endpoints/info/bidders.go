package info

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
)

var invalidEnabledOnlyMsg = []byte(`Invalid value for 'enabledonly' query param, must be of boolean type`)

// NewBiddersEndpoint builds a handler for the /info/bidders endpoint.
func NewBiddersEndpoint(bidders config.BidderInfos) httprouter.Handle {
	responseAll, err := prepareBiddersResponseAll(bidders)
	if err != nil {
		glog.Fatalf("error creating /info/bidders endpoint all bidders response: %v", err)
	}

	responseEnabledOnly, err := prepareBiddersResponseEnabledOnly(bidders)
	if err != nil {
		glog.Fatalf("error creating /info/bidders endpoint enabled only response: %v", err)
	}

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var response []byte
		switch r.URL.Query().Get("enabledonly") {
		case "", "false":
			response = responseAll
		case "true":
			response = responseEnabledOnly
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write(invalidEnabledOnlyMsg)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(response); err != nil {
			glog.Errorf("error writing response to /info/bidders: %v", err)
		}
	}
}

func prepareBiddersResponseAll(bidders config.BidderInfos) ([]byte, error) {
	bidderNames := make([]string, 0, len(bidders))
	for name := range bidders {
		bidderNames = append(bidderNames, name)
	}
	sort.Strings(bidderNames)
	return json.Marshal(bidderNames)
}

func prepareBiddersResponseEnabledOnly(bidders config.BidderInfos) ([]byte, error) {
	bidderNames := make([]string, 0, len(bidders))
	for name, info := range bidders {
		if info.Enabled {
			bidderNames = append(bidderNames, name)
		}
	}
	sort.Strings(bidderNames)
	return json.Marshal(bidderNames)
}
