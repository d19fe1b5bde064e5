package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/gofrs/uuid"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/usersync"
)

var (
	errCookieSyncOptOut      = errors.New("User has opted out")
	errCookieSyncBodyMissing = errors.New("Request body is missing")
	errCookieSyncParse       = errors.New("JSON parse failed")
)

// NewCookieSyncEndpoint returns the /cookie_sync handler. It lists, for the bidders of the request,
// the user syncs the caller should perform because their uids cookie holds no live id for them.
func NewCookieSyncEndpoint(syncersByBidder map[string]usersync.Syncer, cfg *config.Configuration, metricsEngine metrics.MetricsEngine) httprouter.Handle {
	deps := &cookieSyncDeps{
		chooser:         usersync.NewChooser(syncersByBidder),
		syncersByBidder: syncersByBidder,
		hostCookie:      &cfg.HostCookie,
		maxRequestSize:  cfg.MaxRequestSize,
		metrics:         metricsEngine,
	}
	return deps.Endpoint
}

type cookieSyncDeps struct {
	chooser         usersync.Chooser
	syncersByBidder map[string]usersync.Syncer
	hostCookie      *config.HostCookie
	maxRequestSize  int64
	metrics         metrics.MetricsEngine
}

func (deps *cookieSyncDeps) Endpoint(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cookie := usersync.ReadCookie(r, usersync.Base64DecoderV1{}, deps.hostCookie)
	if !cookie.AllowSyncs() {
		deps.metrics.RecordCookieSync(metrics.CookieSyncOptOut)
		http.Error(w, errCookieSyncOptOut.Error(), http.StatusUnauthorized)
		return
	}

	request, err := deps.parseRequest(r)
	if err != nil {
		deps.metrics.RecordCookieSync(metrics.CookieSyncBadRequest)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := deps.chooser.Choose(usersync.Request{
		Bidders: request.Bidders,
		Limit:   request.Limit,
		Privacy: usersync.Privacy{
			GDPR:        gdprToString(request.GDPR),
			GDPRConsent: request.Consent,
			USPrivacy:   request.USPrivacy,
		},
	}, cookie)

	if len(result.BidderStatus) == 0 && len(deps.syncersByBidder) == 0 {
		deps.metrics.RecordCookieSync(metrics.CookieSyncNoSyncCodes)
	} else {
		deps.metrics.RecordCookieSync(metrics.CookieSyncOK)
	}
	deps.recordSyncerMetrics(request.Bidders, result, cookie)

	response := cookieSyncResponse{
		UUID:         request.UUID,
		Status:       result.Status,
		BidderStatus: result.BidderStatus,
	}
	if response.UUID == "" {
		if id, err := uuid.NewV4(); err == nil {
			response.UUID = id.String()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(response); err != nil {
		glog.Errorf("/cookie_sync failed to write the response: %v", err)
	}
}

func (deps *cookieSyncDeps) parseRequest(r *http.Request) (*cookieSyncRequest, error) {
	if r.Body == nil {
		return nil, errCookieSyncBodyMissing
	}
	defer r.Body.Close()

	body := io.Reader(r.Body)
	if deps.maxRequestSize > 0 {
		body = io.LimitReader(r.Body, deps.maxRequestSize)
	}
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("Failed to read request body: %v", err)
	}
	if len(strings.TrimSpace(string(bodyBytes))) == 0 {
		return nil, errCookieSyncBodyMissing
	}

	if err := checkBidders(bodyBytes); err != nil {
		return nil, err
	}

	request := &cookieSyncRequest{}
	if err := json.Unmarshal(bodyBytes, request); err != nil {
		glog.V(2).Infof("/cookie_sync received malformed JSON: %v", err)
		return nil, errCookieSyncParse
	}

	if request.GDPR != nil && *request.GDPR == 1 && request.Consent == "" {
		return nil, errors.New("gdpr_consent is required if gdpr=1")
	}
	return request, nil
}

// checkBidders rejects a body whose "bidders" field is present but is not a list of codes. An
// absent field is valid and means every bidder with a syncer.
func checkBidders(body []byte) error {
	_, valueType, _, err := jsonparser.Get(body, "bidders")
	if err == jsonparser.KeyPathNotFoundError {
		return nil
	}
	if err != nil {
		return errCookieSyncParse
	}
	if valueType != jsonparser.Array && valueType != jsonparser.Null {
		return errors.New("request.bidders must be an array of bidder codes")
	}
	return nil
}

// recordSyncerMetrics reports, per cookie family, whether a sync was offered or the caller was
// already synced.
func (deps *cookieSyncDeps) recordSyncerMetrics(requested []string, result usersync.Result, cookie usersync.CookieLookup) {
	offered := make(map[string]struct{}, len(result.BidderStatus))
	for _, bidderStatus := range result.BidderStatus {
		syncer, ok := deps.syncersByBidder[bidderStatus.BidderCode]
		if !ok {
			continue
		}
		offered[bidderStatus.BidderCode] = struct{}{}
		deps.metrics.RecordSyncerRequest(syncer.Key(), metrics.SyncerCookieSyncOK)
	}

	wanted := make(map[string]struct{}, len(requested))
	for _, code := range requested {
		wanted[strings.ToLower(code)] = struct{}{}
	}
	for bidder, syncer := range deps.syncersByBidder {
		if _, ok := offered[bidder]; ok {
			continue
		}
		if _, ok := wanted[strings.ToLower(bidder)]; !ok && len(requested) > 0 {
			continue
		}
		if cookie.HasLiveSync(syncer.Key()) {
			deps.metrics.RecordSyncerRequest(syncer.Key(), metrics.SyncerCookieSyncAlreadySynced)
		}
	}
}

func gdprToString(gdpr *int) string {
	if gdpr == nil {
		return ""
	}
	return strconv.Itoa(*gdpr)
}

type cookieSyncRequest struct {
	UUID      string   `json:"uuid"`
	Bidders   []string `json:"bidders"`
	GDPR      *int     `json:"gdpr"`
	Consent   string   `json:"gdpr_consent"`
	USPrivacy string   `json:"us_privacy"`
	Limit     int      `json:"limit"`
}

type cookieSyncResponse struct {
	UUID         string                       `json:"uuid,omitempty"`
	Status       string                       `json:"status"`
	BidderStatus []usersync.CookieSyncBidders `json:"bidder_status"`
}
