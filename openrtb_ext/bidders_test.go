package openrtb_ext

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBidderName(t *testing.T) {
	testCases := []struct {
		description string
		name        string
		expected    BidderName
		expectedOK  bool
	}{
		{
			description: "Exact match",
			name:        "consumable",
			expected:    BidderConsumable,
			expectedOK:  true,
		},
		{
			description: "Case insensitive",
			name:        "CoNsUmAbLe",
			expected:    BidderConsumable,
			expectedOK:  true,
		},
		{
			description: "Unknown",
			name:        "unknown",
			expectedOK:  false,
		},
	}

	for _, test := range testCases {
		name, ok := NormalizeBidderName(test.name)
		assert.Equal(t, test.expectedOK, ok, test.description)
		assert.Equal(t, test.expected, name, test.description)
	}
}

func TestIsBidderNameReserved(t *testing.T) {
	assert.True(t, IsBidderNameReserved("prebid"))
	assert.True(t, IsBidderNameReserved("CONTEXT"))
	assert.False(t, IsBidderNameReserved("consumable"))
}

func TestBidderParamValidator(t *testing.T) {
	validator, err := NewBidderParamsValidator(filepath.Join("..", "static", "bidder-params"))
	require.NoError(t, err)

	testCases := []struct {
		description string
		params      string
		expectValid bool
	}{
		{
			description: "Placement id",
			params:      `{"placementId":"abc"}`,
			expectValid: true,
		},
		{
			description: "Site triple",
			params:      `{"siteId":1,"networkId":2,"unitId":3,"unitName":"u"}`,
			expectValid: true,
		},
		{
			description: "Partial site triple",
			params:      `{"siteId":1,"networkId":2}`,
			expectValid: false,
		},
		{
			description: "Wrong type",
			params:      `{"placementId":123}`,
			expectValid: false,
		},
	}

	for _, test := range testCases {
		err := validator.Validate(BidderConsumable, json.RawMessage(test.params))
		if test.expectValid {
			assert.NoError(t, err, test.description)
		} else {
			assert.Error(t, err, test.description)
		}
	}

	assert.NotEmpty(t, validator.Schema(BidderConsumable))
	assert.Error(t, validator.Validate(BidderName("unknown"), json.RawMessage(`{}`)))
}

func TestBidderParamValidatorRejectsUnknownSchemaFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nobody.json"), []byte(`{"type":"object"}`), 0644))

	_, err := NewBidderParamsValidator(dir)
	assert.EqualError(t, err, "File "+dir+"/nobody.json does not match a valid BidderName.")
}

func TestParseBidType(t *testing.T) {
	for _, bidType := range BidTypes() {
		parsed, err := ParseBidType(string(bidType))
		assert.NoError(t, err)
		assert.Equal(t, bidType, parsed)
	}

	_, err := ParseBidType("billboard")
	assert.EqualError(t, err, "invalid BidType: billboard")
}

func TestSetAliasBidderName(t *testing.T) {
	testCases := []struct {
		description   string
		alias         string
		parent        BidderName
		expectedError string
	}{
		{
			description: "Alias of a core bidder",
			alias:       "consumableAlias",
			parent:      BidderConsumable,
		},
		{
			description:   "Reserved name",
			alias:         "prebid",
			parent:        BidderConsumable,
			expectedError: "alias prebid is a reserved bidder name and cannot be used",
		},
		{
			description:   "Unknown parent",
			alias:         "orphan",
			parent:        BidderName("unknown"),
			expectedError: "unknown parent bidder: unknown for alias: orphan",
		},
		{
			description:   "Alias of an alias",
			alias:         "nested",
			parent:        BidderName("consumableAlias"),
			expectedError: "alias nested cannot have alias consumableAlias as its parent",
		},
	}

	for _, test := range testCases {
		err := SetAliasBidderName(test.alias, test.parent)
		if test.expectedError != "" {
			assert.EqualError(t, err, test.expectedError, test.description)
			continue
		}
		assert.NoError(t, err, test.description)

		name, ok := NormalizeBidderName(test.alias)
		assert.True(t, ok, test.description)
		assert.Equal(t, BidderName(test.alias), name, test.description)
		assert.Equal(t, test.parent, ParentBidder(name), test.description)
	}
}
