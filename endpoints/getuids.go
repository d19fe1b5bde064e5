package endpoints

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/usersync"
)

type userSyncs struct {
	BuyerUIDs map[string]string `json:"buyeruids,omitempty"`
}

// NewGetUIDsEndpoint implements the /getuids endpoint which
// returns all the existing syncs for the user
func NewGetUIDsEndpoint(cfg config.HostCookie) httprouter.Handle {
	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		cookie := usersync.ReadCookie(r, usersync.Base64DecoderV1{}, &cfg)

		userSyncs := new(userSyncs)
		userSyncs.BuyerUIDs = cookie.GetUIDs()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(userSyncs)
	})
}
