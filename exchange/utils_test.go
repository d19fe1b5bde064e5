package exchange

import (
	"encoding/json"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/metrics"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUsersync is a uids cookie backed by a map of key to uid. Every uid is active.
type mockUsersync struct {
	syncs map[string]string
}

func (m *mockUsersync) GetUID(key string) (uid string, exists bool, notExpired bool) {
	uid, exists = m.syncs[key]
	return uid, exists, exists
}

func TestSplitImps(t *testing.T) {
	testCases := []struct {
		description   string
		givenImps     []openrtb2.Imp
		expectedImps  map[openrtb_ext.BidderName][]string
		expectedExts  map[openrtb_ext.BidderName]string
		expectedError string
	}{
		{
			description:  "nil imps",
			givenImps:    nil,
			expectedImps: map[openrtb_ext.BidderName][]string{},
		},
		{
			description:  "imp without ext",
			givenImps:    []openrtb2.Imp{{ID: "imp1"}},
			expectedImps: map[openrtb_ext.BidderName][]string{},
		},
		{
			description: "bidder params at the root of the ext",
			givenImps: []openrtb2.Imp{
				{ID: "imp1", Ext: json.RawMessage(`{"consumable":{"placementId":"a"},"bidderb":{"placementId":"b"}}`)},
				{ID: "imp2", Ext: json.RawMessage(`{"bidderb":{"placementId":"c"}}`)},
			},
			expectedImps: map[openrtb_ext.BidderName][]string{
				bidderA: {"imp1"},
				bidderB: {"imp1", "imp2"},
			},
			expectedExts: map[openrtb_ext.BidderName]string{
				bidderA: `{"bidder":{"placementId":"a"}}`,
			},
		},
		{
			description: "bidder params under prebid.bidder keep the rest of prebid",
			givenImps: []openrtb2.Imp{
				{ID: "imp1", Ext: json.RawMessage(`{"prebid":{"bidder":{"consumable":{"placementId":"a"}},"is_rewarded_inventory":1}}`)},
			},
			expectedImps: map[openrtb_ext.BidderName][]string{
				bidderA: {"imp1"},
			},
			expectedExts: map[openrtb_ext.BidderName]string{
				bidderA: `{"bidder":{"placementId":"a"},"prebid":{"is_rewarded_inventory":1}}`,
			},
		},
		{
			description: "an emptied prebid object is dropped",
			givenImps: []openrtb2.Imp{
				{ID: "imp1", Ext: json.RawMessage(`{"prebid":{"bidder":{"consumable":{"placementId":"a"}}}}`)},
			},
			expectedImps: map[openrtb_ext.BidderName][]string{
				bidderA: {"imp1"},
			},
			expectedExts: map[openrtb_ext.BidderName]string{
				bidderA: `{"bidder":{"placementId":"a"}}`,
			},
		},
		{
			description: "unknown keys are ignored and bidder names are case insensitive",
			givenImps: []openrtb2.Imp{
				{ID: "imp1", Ext: json.RawMessage(`{"Consumable":{"placementId":"a"},"context":{"data":1},"nobody":{}}`)},
			},
			expectedImps: map[openrtb_ext.BidderName][]string{
				bidderA: {"imp1"},
			},
		},
		{
			description: "malformed ext",
			givenImps: []openrtb2.Imp{
				{ID: "imp1", Ext: json.RawMessage(`{"consumable":{}}`)},
				{ID: "imp2", Ext: json.RawMessage(`malformed`)},
			},
			expectedError: "Error unpacking extensions for Imp[1]",
		},
	}

	for _, test := range testCases {
		imps, errs := splitImps(test.givenImps)

		if len(test.expectedError) > 0 {
			require.Len(t, errs, 1, test.description)
			assert.Contains(t, errs[0].Error(), test.expectedError, test.description)
			continue
		}
		assert.Empty(t, errs, test.description)

		impIDs := make(map[openrtb_ext.BidderName][]string, len(imps))
		for bidder, bidderImps := range imps {
			impIDs[bidder] = openrtb_ext.GetImpIDs(bidderImps)
		}
		assert.Equal(t, test.expectedImps, impIDs, test.description)

		for bidder, ext := range test.expectedExts {
			assert.JSONEq(t, ext, string(imps[bidder][0].Ext), test.description)
		}
	}
}

func TestSplitImpsDoesNotMutate(t *testing.T) {
	ext := `{"consumable":{"placementId":"a"},"bidderb":{"placementId":"b"}}`
	imps := []openrtb2.Imp{{ID: "imp1", Ext: json.RawMessage(ext)}}

	_, errs := splitImps(imps)

	assert.Empty(t, errs)
	assert.JSONEq(t, ext, string(imps[0].Ext))
}

func TestCleanOpenRTBRequests(t *testing.T) {
	request := &openrtb2.BidRequest{
		ID: "req",
		Imp: []openrtb2.Imp{
			bannerImp("imp1", bidderA, bidderB),
			bannerImp("imp2", bidderB, bidderC),
		},
		User: &openrtb2.User{ID: "user"},
	}
	labels := metrics.Labels{Source: metrics.DemandWeb, RType: metrics.ReqTypeORTB2Web, PubID: "pub"}
	families := map[openrtb_ext.BidderName]string{
		bidderA: "consumable",
		bidderB: "consumable",
		bidderC: "bidderc",
	}

	testCases := []struct {
		description     string
		participants    map[openrtb_ext.BidderName]struct{}
		usersyncs       IdFetcher
		expectedBidders []openrtb_ext.BidderName
		expectedFlags   []metrics.CookieFlag
		expectedUIDs    []string
	}{
		{
			description:     "every participant gets a request, in name order",
			participants:    map[openrtb_ext.BidderName]struct{}{bidderA: {}, bidderB: {}, bidderC: {}},
			expectedBidders: []openrtb_ext.BidderName{bidderB, bidderC, bidderA},
			expectedFlags:   []metrics.CookieFlag{metrics.CookieFlagUnknown, metrics.CookieFlagUnknown, metrics.CookieFlagUnknown},
			expectedUIDs:    []string{"", "", ""},
		},
		{
			description:     "bidders outside the participants are dropped",
			participants:    map[openrtb_ext.BidderName]struct{}{bidderC: {}},
			expectedBidders: []openrtb_ext.BidderName{bidderC},
			expectedFlags:   []metrics.CookieFlag{metrics.CookieFlagUnknown},
			expectedUIDs:    []string{""},
		},
		{
			description:     "buyeruid comes from the bidder's cookie family",
			participants:    map[openrtb_ext.BidderName]struct{}{bidderA: {}, bidderB: {}, bidderC: {}},
			usersyncs:       &mockUsersync{syncs: map[string]string{"consumable": "c-uid"}},
			expectedBidders: []openrtb_ext.BidderName{bidderB, bidderC, bidderA},
			expectedFlags:   []metrics.CookieFlag{metrics.CookieFlagYes, metrics.CookieFlagNo, metrics.CookieFlagYes},
			expectedUIDs:    []string{"c-uid", "", "c-uid"},
		},
	}

	for _, test := range testCases {
		bidderRequests, errs := cleanOpenRTBRequests(request, test.participants, test.usersyncs, families, labels)
		assert.Empty(t, errs, test.description)

		require.Len(t, bidderRequests, len(test.expectedBidders), test.description)
		for i, bidderRequest := range bidderRequests {
			assert.Equal(t, test.expectedBidders[i], bidderRequest.BidderName, test.description)
			assert.Equal(t, test.expectedFlags[i], bidderRequest.BidderLabels.CookieFlag, test.description)
			assert.Equal(t, bidderRequest.BidderName, bidderRequest.BidderLabels.Adapter, test.description)
			assert.Equal(t, "pub", bidderRequest.BidderLabels.PubID, test.description)
			assert.Equal(t, test.expectedUIDs[i], bidderRequest.BidRequest.User.BuyerUID, test.description)
			assert.Equal(t, "user", bidderRequest.BidRequest.User.ID, test.description)
		}
	}

	assert.Empty(t, request.User.BuyerUID, "the original request must not change")
	assert.Len(t, request.Imp, 2, "the original request must not change")
}

func TestCleanOpenRTBRequestsImpsPerBidder(t *testing.T) {
	request := &openrtb2.BidRequest{
		ID: "req",
		Imp: []openrtb2.Imp{
			bannerImp("imp1", bidderA),
			bannerImp("imp2", bidderB),
		},
	}

	bidderRequests, errs := cleanOpenRTBRequests(request, map[openrtb_ext.BidderName]struct{}{bidderA: {}, bidderB: {}}, nil, nil, metrics.Labels{})

	assert.Empty(t, errs)
	require.Len(t, bidderRequests, 2)
	assert.Equal(t, []string{"imp2"}, openrtb_ext.GetImpIDs(bidderRequests[0].BidRequest.Imp))
	assert.Equal(t, []string{"imp1"}, openrtb_ext.GetImpIDs(bidderRequests[1].BidRequest.Imp))
	assert.Nil(t, bidderRequests[0].BidRequest.User)
}

func TestCopyWithBuyerUID(t *testing.T) {
	testCases := []struct {
		description string
		givenUser   *openrtb2.User
		expected    *openrtb2.User
	}{
		{
			description: "nil user",
			givenUser:   nil,
			expected:    &openrtb2.User{BuyerUID: "uid"},
		},
		{
			description: "user without buyeruid",
			givenUser:   &openrtb2.User{ID: "user"},
			expected:    &openrtb2.User{ID: "user", BuyerUID: "uid"},
		},
		{
			description: "a buyeruid set by the publisher wins",
			givenUser:   &openrtb2.User{ID: "user", BuyerUID: "publisher"},
			expected:    &openrtb2.User{ID: "user", BuyerUID: "publisher"},
		},
	}

	for _, test := range testCases {
		var before *openrtb2.User
		if test.givenUser != nil {
			clone := *test.givenUser
			before = &clone
		}

		assert.Equal(t, test.expected, copyWithBuyerUID(test.givenUser, "uid"), test.description)
		assert.Equal(t, before, test.givenUser, test.description+": the given user must not change")
	}
}

func TestPrepareUser(t *testing.T) {
	testCases := []struct {
		description  string
		uid          string
		found        bool
		active       bool
		expectedUser *openrtb2.User
		expectedFlag bool
	}{
		{
			description:  "live uid",
			uid:          "uid",
			found:        true,
			active:       true,
			expectedUser: &openrtb2.User{BuyerUID: "uid"},
			expectedFlag: true,
		},
		{
			description: "expired uid",
			uid:         "uid",
			found:       true,
			active:      false,
		},
		{
			description: "no uid",
		},
	}

	for _, test := range testCases {
		req := &openrtb2.BidRequest{}
		hadCookie := prepareUser(req, "consumable", fixedUID{uid: test.uid, found: test.found, active: test.active})

		assert.Equal(t, test.expectedFlag, hadCookie, test.description)
		assert.Equal(t, test.expectedUser, req.User, test.description)
	}
}

type fixedUID struct {
	uid    string
	found  bool
	active bool
}

func (f fixedUID) GetUID(key string) (string, bool, bool) {
	return f.uid, f.found, f.active
}
