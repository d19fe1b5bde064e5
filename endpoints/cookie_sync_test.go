package endpoints

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/buger/jsonparser"
	"github.com/gofrs/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/metrics"
	metricsConf "github.com/prebid/prebid-server-core/metrics/config"
	"github.com/prebid/prebid-server-core/usersync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	key string
	url string
}

func (s fakeSyncer) Key() string {
	return s.key
}

func (s fakeSyncer) GetSync(privacy usersync.Privacy) (usersync.Sync, error) {
	return usersync.Sync{URL: s.url + "?gdpr=" + privacy.GDPR + "&us_privacy=" + privacy.USPrivacy, Type: usersync.SyncTypeRedirect}, nil
}

func syncersForTest() map[string]usersync.Syncer {
	return map[string]usersync.Syncer{
		"appnexus": fakeSyncer{key: "adnxs", url: "https://ib.adnxs.com/getuid"},
		"rubicon":  fakeSyncer{key: "rubicon", url: "https://pixel.rubiconproject.com/sync"},
	}
}

func cookieSyncConfig() *config.Configuration {
	return &config.Configuration{
		HostCookie:     config.HostCookie{CookieName: "uids", TTL: 90},
		MaxRequestSize: 1024,
	}
}

func doCookieSync(t *testing.T, body string, cookie *usersync.Cookie, me metrics.MetricsEngine) *httptest.ResponseRecorder {
	cfg := cookieSyncConfig()
	endpoint := NewCookieSyncEndpoint(syncersForTest(), cfg, me)

	req := httptest.NewRequest(http.MethodPost, "/cookie_sync", strings.NewReader(body))
	if cookie != nil {
		httpCookie, err := cookie.ToHTTPCookie(usersync.Base64EncoderV1{}, &cfg.HostCookie)
		require.NoError(t, err)
		req.AddCookie(httpCookie)
	}

	rr := httptest.NewRecorder()
	endpoint(rr, req, httprouter.Params{})
	return rr
}

func syncedCookie(t *testing.T, families ...string) *usersync.Cookie {
	cookie := usersync.NewCookie()
	for _, family := range families {
		require.NoError(t, cookie.Sync(family, "uid-"+family))
	}
	return cookie
}

func TestCookieSync(t *testing.T) {
	testCases := []struct {
		description     string
		body            string
		cookie          *usersync.Cookie
		expectedSyncs   []string
		expectedStatus  string
		expectedSyncURL string
	}{
		{
			description:    "appnexus synced, rubicon not",
			body:           `{"uuid":"uuid","bidders":["appnexus","rubicon"]}`,
			cookie:         syncedCookie(t, "adnxs"),
			expectedSyncs:  []string{"rubicon"},
			expectedStatus: "ok",
		},
		{
			description:    "no cookie at all",
			body:           `{"bidders":["appnexus","rubicon","unknown"]}`,
			expectedSyncs:  []string{"appnexus", "rubicon"},
			expectedStatus: "no_cookie",
		},
		{
			description:    "every requested bidder synced",
			body:           `{"bidders":["appnexus"]}`,
			cookie:         syncedCookie(t, "adnxs"),
			expectedSyncs:  []string{},
			expectedStatus: "ok",
		},
		{
			description:    "no bidders means all of them",
			body:           `{}`,
			cookie:         syncedCookie(t, "rubicon"),
			expectedSyncs:  []string{"appnexus"},
			expectedStatus: "ok",
		},
		{
			description:    "limit",
			body:           `{"bidders":["appnexus","rubicon"],"limit":1}`,
			expectedSyncs:  []string{"appnexus"},
			expectedStatus: "no_cookie",
		},
		{
			description:     "privacy reaches the sync url",
			body:            `{"bidders":["appnexus"],"gdpr":1,"gdpr_consent":"BONciguONcjGKADACHENAOLS1rAHDAFAAEAASABQAMwAeACEAFw","us_privacy":"1NYN"}`,
			expectedSyncs:   []string{"appnexus"},
			expectedStatus:  "no_cookie",
			expectedSyncURL: "https://ib.adnxs.com/getuid?gdpr=1&us_privacy=1NYN",
		},
	}

	for _, test := range testCases {
		rr := doCookieSync(t, test.body, test.cookie, &metricsConf.NilMetricsEngine{})

		assert.Equal(t, http.StatusOK, rr.Code, test.description)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"), test.description)
		assert.Equal(t, test.expectedSyncs, parseSyncs(t, rr.Body.Bytes()), test.description)
		assert.Equal(t, test.expectedStatus, parseStatus(t, rr.Body.Bytes()), test.description)
		if test.expectedSyncURL != "" {
			url, err := jsonparser.GetString(rr.Body.Bytes(), "bidder_status", "[0]", "usersync", "url")
			require.NoError(t, err, test.description)
			assert.Equal(t, test.expectedSyncURL, url, test.description)
		}
	}
}

func TestCookieSyncUUID(t *testing.T) {
	rr := doCookieSync(t, `{"uuid":"abc","bidders":[]}`, nil, &metricsConf.NilMetricsEngine{})
	echoed, err := jsonparser.GetString(rr.Body.Bytes(), "uuid")
	require.NoError(t, err)
	assert.Equal(t, "abc", echoed)

	rr = doCookieSync(t, `{"bidders":[]}`, nil, &metricsConf.NilMetricsEngine{})
	generated, err := jsonparser.GetString(rr.Body.Bytes(), "uuid")
	require.NoError(t, err)
	_, err = uuid.FromString(generated)
	assert.NoError(t, err)
}

func TestCookieSyncErrors(t *testing.T) {
	optedOut := usersync.NewCookie()
	optedOut.SetOptOut(true)

	testCases := []struct {
		description    string
		body           string
		cookie         *usersync.Cookie
		expectedCode   int
		expectedBody   string
		expectedMetric metrics.CookieSyncStatus
	}{
		{
			description:    "opted out",
			body:           `{"bidders":["appnexus"]}`,
			cookie:         optedOut,
			expectedCode:   http.StatusUnauthorized,
			expectedBody:   "User has opted out\n",
			expectedMetric: metrics.CookieSyncOptOut,
		},
		{
			description:    "malformed json",
			body:           `{"bidders":["appnexus"`,
			expectedCode:   http.StatusBadRequest,
			expectedBody:   "JSON parse failed\n",
			expectedMetric: metrics.CookieSyncBadRequest,
		},
		{
			description:    "missing body",
			body:           "",
			expectedCode:   http.StatusBadRequest,
			expectedBody:   "Request body is missing\n",
			expectedMetric: metrics.CookieSyncBadRequest,
		},
		{
			description:    "bidders is not a list",
			body:           `{"bidders":"appnexus"}`,
			expectedCode:   http.StatusBadRequest,
			expectedBody:   "request.bidders must be an array of bidder codes\n",
			expectedMetric: metrics.CookieSyncBadRequest,
		},
		{
			description:    "gdpr without consent",
			body:           `{"gdpr":1,"bidders":["appnexus"]}`,
			expectedCode:   http.StatusBadRequest,
			expectedBody:   "gdpr_consent is required if gdpr=1\n",
			expectedMetric: metrics.CookieSyncBadRequest,
		},
	}

	for _, test := range testCases {
		me := &metrics.MetricsEngineMock{}
		me.On("RecordCookieSync", test.expectedMetric).Once()

		rr := doCookieSync(t, test.body, test.cookie, me)

		assert.Equal(t, test.expectedCode, rr.Code, test.description)
		assert.Equal(t, test.expectedBody, rr.Body.String(), test.description)
		me.AssertExpectations(t)
	}
}

func TestCookieSyncMetrics(t *testing.T) {
	me := &metrics.MetricsEngineMock{}
	me.On("RecordCookieSync", metrics.CookieSyncOK).Once()
	me.On("RecordSyncerRequest", "rubicon", metrics.SyncerCookieSyncOK).Once()
	me.On("RecordSyncerRequest", "adnxs", metrics.SyncerCookieSyncAlreadySynced).Once()

	rr := doCookieSync(t, `{"bidders":["appnexus","rubicon"]}`, syncedCookie(t, "adnxs"), me)

	assert.Equal(t, http.StatusOK, rr.Code)
	me.AssertExpectations(t)
	me.AssertNotCalled(t, "RecordSyncerRequest", "adnxs", metrics.SyncerCookieSyncOK)
	me.AssertNumberOfCalls(t, "RecordSyncerRequest", 2)
}

func parseSyncs(t *testing.T, response []byte) []string {
	t.Helper()
	syncs := make([]string, 0)
	_, err := jsonparser.ArrayEach(response, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		require.NoError(t, err)
		require.Equal(t, jsonparser.Object, dataType)
		bidder, err := jsonparser.GetString(value, "bidder")
		require.NoError(t, err)
		syncs = append(syncs, bidder)
	}, "bidder_status")
	require.NoError(t, err)
	return syncs
}

func parseStatus(t *testing.T, responseBody []byte) string {
	t.Helper()
	val, err := jsonparser.GetString(responseBody, "status")
	require.NoError(t, err)
	return val
}
