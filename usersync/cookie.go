package usersync

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prebid/prebid-server-core/config"
)

const defaultCookieName = "uids"

// uidTTL is the default amount of time a uid stored within a cookie is considered valid. This is
// separate from the cookie ttl.
const uidTTL = 14 * 24 * time.Hour

// Cookie is the uids cookie: one synced user id per cookie family.
//
// To get an instance of this from a request, use ReadCookie.
type Cookie struct {
	uids   map[string]UIDEntry
	optOut bool
}

// UIDEntry bundles the UID with an Expiration date.
type UIDEntry struct {
	// UID is the ID given to a user by a particular bidder
	UID string `json:"uid"`
	// Expires is the time at which this UID should no longer apply.
	Expires time.Time `json:"expires"`
}

// NewCookie returns a new empty cookie.
func NewCookie() *Cookie {
	return &Cookie{
		uids: make(map[string]UIDEntry),
	}
}

// ReadCookie reads the uids cookie from the request. A missing or corrupted cookie reads as an
// empty one.
func ReadCookie(r *http.Request, decoder Decoder, host *config.HostCookie) *Cookie {
	cookieFromRequest, err := r.Cookie(cookieName(host))
	if err != nil {
		return NewCookie()
	}
	return decoder.Decode(cookieFromRequest.Value)
}

// ToHTTPCookie encodes the cookie as the uids http cookie, expiring after the host's ttl.
func (cookie *Cookie) ToHTTPCookie(encoder Encoder, host *config.HostCookie) (*http.Cookie, error) {
	value, err := encoder.Encode(cookie)
	if err != nil {
		return nil, err
	}
	httpCookie := &http.Cookie{
		Name:    cookieName(host),
		Value:   value,
		Expires: time.Now().Add(host.TTLDuration()),
		Path:    "/",
	}
	if host.Domain != "" {
		httpCookie.Domain = host.Domain
	}
	return httpCookie, nil
}

func cookieName(host *config.HostCookie) string {
	if host == nil || host.CookieName == "" {
		return defaultCookieName
	}
	return host.CookieName
}

// Sync tries to set the UID for some cookie family. It returns an error if the set didn't happen.
func (cookie *Cookie) Sync(key string, uid string) error {
	if !cookie.AllowSyncs() {
		return errors.New("the user has opted out of prebid server cookie syncs")
	}

	cookie.uids[key] = UIDEntry{
		UID:     uid,
		Expires: time.Now().Add(uidTTL),
	}
	return nil
}

// Unsync removes the user's ID for the given cookie family from this cookie.
func (cookie *Cookie) Unsync(key string) {
	delete(cookie.uids, key)
}

// AllowSyncs is true if the user lets bidders sync cookies, and false otherwise.
func (cookie *Cookie) AllowSyncs() bool {
	return cookie != nil && !cookie.optOut
}

// SetOptOut is used to change whether or not we're allowed to sync cookies for this user.
func (cookie *Cookie) SetOptOut(optOut bool) {
	cookie.optOut = optOut

	if optOut {
		cookie.uids = make(map[string]UIDEntry)
	}
}

// GetUID Gets this user's ID for the given cookie family.
func (cookie *Cookie) GetUID(key string) (uid string, isUIDFound bool, isUIDActive bool) {
	if cookie != nil {
		if uid, ok := cookie.uids[key]; ok {
			return uid.UID, true, time.Now().Before(uid.Expires)
		}
	}
	return "", false, false
}

// GetUIDs returns this user's ID for every cookie family
func (cookie *Cookie) GetUIDs() map[string]string {
	uids := make(map[string]string)
	if cookie != nil {
		for family, uidWithExpiry := range cookie.uids {
			uids[family] = uidWithExpiry.UID
		}
	}
	return uids
}

// HasLiveSync returns true if we have an active UID for the given cookie family, and false otherwise.
func (cookie *Cookie) HasLiveSync(key string) bool {
	_, _, isLive := cookie.GetUID(key)
	return isLive
}

// HasAnyLiveSyncs returns true if this cookie has at least one active sync.
func (cookie *Cookie) HasAnyLiveSyncs() bool {
	now := time.Now()
	if cookie != nil {
		for _, value := range cookie.uids {
			if now.Before(value.Expires) {
				return true
			}
		}
	}
	return false
}

// cookieJson defines the JSON contract for the cookie data's storage format.
//
// This exists so that Cookie (which is public) can have private fields, and the rest of
// the code doesn't have to worry about the cookie data storage format.
type cookieJson struct {
	UIDs   map[string]UIDEntry `json:"uids,omitempty"`
	OptOut bool                `json:"optout,omitempty"`
}

func (cookie *Cookie) MarshalJSON() ([]byte, error) {
	return json.Marshal(cookieJson{
		UIDs:   cookie.uids,
		OptOut: cookie.optOut,
	})
}

func (cookie *Cookie) UnmarshalJSON(b []byte) error {
	var cookieContract cookieJson
	if err := json.Unmarshal(b, &cookieContract); err != nil {
		return err
	}

	cookie.optOut = cookieContract.OptOut

	if cookie.optOut {
		cookie.uids = nil
	} else {
		cookie.uids = cookieContract.UIDs
	}

	if cookie.uids == nil {
		cookie.uids = make(map[string]UIDEntry)
	}
	return nil
}
