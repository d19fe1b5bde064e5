package endpoints

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/usersync"
)

const (
	chromeStr       = "Chrome/"
	chromeiOSStr    = "CriOS/"
	chromeMinVer    = 67
	chromeStrLen    = len(chromeStr)
	chromeiOSStrLen = len(chromeiOSStr)
)

// NewSetUIDEndpoint returns the /setuid handler. Bidders redirect the user's browser here at the end
// of a sync to store their user id in the uids cookie, under the cookie family named by "bidder".
func NewSetUIDEndpoint(cfg config.HostCookie, syncersByBidder map[string]usersync.Syncer) httprouter.Handle {
	validFamilyNameMap := make(map[string]struct{})
	for _, s := range syncersByBidder {
		validFamilyNameMap[s.Key()] = struct{}{}
	}

	return httprouter.Handle(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		cookie := usersync.ReadCookie(r, usersync.Base64DecoderV1{}, &cfg)
		if !cookie.AllowSyncs() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		query := r.URL.Query()

		familyName, err := getFamilyName(query, validFamilyNameMap)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(err.Error()))
			return
		}

		if err := validateGDPRParams(query.Get("gdpr"), query.Get("gdpr_consent")); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(err.Error()))
			return
		}

		uid := query.Get("uid")
		if uid == "" {
			cookie.Unsync(familyName)
		} else if err := cookie.Sync(familyName, uid); err != nil {
			glog.V(2).Infof("/setuid could not store the uid of %s: %v", familyName, err)
		}

		httpCookie, err := cookie.ToHTTPCookie(usersync.Base64EncoderV1{}, &cfg)
		if err != nil {
			glog.Errorf("/setuid failed to encode the uids cookie: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if siteCookieCheck(r.UserAgent()) {
			httpCookie.SameSite = http.SameSiteNoneMode
			httpCookie.Secure = true
		}
		http.SetCookie(w, httpCookie)
	})
}

func getFamilyName(query url.Values, validFamilyNameMap map[string]struct{}) (string, error) {
	// The family name is bound to the 'bidder' query param. In most cases, these values are the same.
	familyName := query.Get("bidder")

	if familyName == "" {
		return "", errors.New(`"bidder" query param is required`)
	}

	if _, ok := validFamilyNameMap[familyName]; !ok {
		return "", errors.New("The bidder name provided is not supported by Prebid Server")
	}

	return familyName, nil
}

// siteCookieCheck scans the input User Agent string to check if browser is Chrome and browser version is greater than the minimum version for adding the SameSite cookie attribute
func siteCookieCheck(ua string) bool {
	result := false

	index := strings.Index(ua, chromeStr)
	criOSIndex := strings.Index(ua, chromeiOSStr)
	if index != -1 {
		result = checkChromeBrowserVersion(ua, index, chromeStrLen)
	} else if criOSIndex != -1 {
		result = checkChromeBrowserVersion(ua, criOSIndex, chromeiOSStrLen)
	}
	return result
}

func checkChromeBrowserVersion(ua string, index int, chromeStrLength int) bool {
	vIndex := index + chromeStrLength
	dotIndex := strings.Index(ua[vIndex:], ".")
	if dotIndex == -1 {
		dotIndex = len(ua[vIndex:])
	}
	version, _ := strconv.Atoi(ua[vIndex : vIndex+dotIndex])
	return version >= chromeMinVer
}

func validateGDPRParams(gdprEnabled string, gdprConsent string) error {
	if gdprEnabled != "" && gdprEnabled != "0" && gdprEnabled != "1" {
		return errors.New("the gdpr query param must be either 0 or 1. You gave " + gdprEnabled)
	}
	if gdprEnabled == "1" && gdprConsent == "" {
		return errors.New("gdpr_consent is required when gdpr=1")
	}
	return nil
}
