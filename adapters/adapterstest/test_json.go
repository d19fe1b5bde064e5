// Package adapterstest runs the JSON sample files every adapter keeps under <bidder>test/.
package adapterstest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/prebid/prebid-server-core/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// RunJSONBidderTest is a helper method intended to unit test Bidders' adapters.
// It requires that:
//
//   - Bidders communicate with external servers over HTTP.
//   - The HTTP request bodies are legal JSON.
//
// Although the project does not require it, it is a best practice that bidders also pass
// RunJSONBidderTest. Files are expected in:
//
//	adapters/{bidder}/{bidder}test/exemplary/*.json
//	adapters/{bidder}/{bidder}test/supplemental/*.json
//
// Files in "exemplary" show the ideal flow of a working request. Files in "supplemental"
// cover edge cases and error paths. Each file describes the request given to MakeRequests,
// the outbound calls it must produce along with a mocked response for each one, the bids
// MakeBids must return and the errors expected at each step.
func RunJSONBidderTest(t *testing.T, rootDir string, bidder adapters.Bidder) {
	runTests(t, fmt.Sprintf("%s/exemplary", rootDir), bidder, false)
	runTests(t, fmt.Sprintf("%s/supplemental", rootDir), bidder, true)
}

// runTests runs all the *.json files in a directory. If allowErrors is false, and one of the test files
// expects errors from the bidder, then the test will fail.
func runTests(t *testing.T, directory string, bidder adapters.Bidder, allowErrors bool) {
	t.Helper()
	if specFiles, err := os.ReadDir(directory); err == nil {
		for _, specFile := range specFiles {
			fileName := filepath.Join(directory, specFile.Name())
			specData, err := loadFile(fileName)
			if err != nil {
				t.Fatalf("Failed to load contents of file %s: %v", fileName, err)
			}

			if !allowErrors && specData.expectsErrors() {
				t.Fatalf("Exemplary spec %s must not expect errors.", fileName)
			}
			runSpec(t, fileName, specData, bidder)
		}
	}
}

// loadFile reads and parses a file as a test case. If something goes wrong, it returns an error.
func loadFile(filename string) (*testSpec, error) {
	specData, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read file %s: %v", filename, err)
	}

	var spec testSpec
	if err := json.Unmarshal(specData, &spec); err != nil {
		return nil, fmt.Errorf("Failed to unmarshal JSON from file: %v", err)
	}

	return &spec, nil
}

// runSpec runs a single test case. It will make sure:
//
//   - That the Bidder does not return nil HTTP requests, bids, or errors inside their lists
//   - That the Bidder's HTTP calls match the test file's expectations.
//   - That the Bidder's Bids match the test file's expectations
//   - That the Bidder's errors match the test file's expectations
func runSpec(t *testing.T, filename string, spec *testSpec, bidder adapters.Bidder) {
	reqInfo := adapters.NewExtraRequestInfo("")
	requests, errs := bidder.MakeRequests(&spec.BidRequest, &reqInfo)

	diffErrorLists(t, fmt.Sprintf("%s: MakeRequests", filename), errs, spec.MakeRequestErrors)
	diffHttpRequestLists(t, filename, requests, spec.HttpCalls)

	bidResponses := make([]*adapters.BidderResponse, 0)
	var bidsErrs = make([]error, 0, len(spec.MakeBidsErrors))
	for i := 0; i < len(spec.HttpCalls) && i < len(requests); i++ {
		bidResponse, theseErrs := bidder.MakeBids(&spec.BidRequest, requests[i], &adapters.ResponseData{
			StatusCode: spec.HttpCalls[i].Response.Status,
			Body:       spec.HttpCalls[i].Response.Body,
			Headers:    spec.HttpCalls[i].Response.Headers,
		})
		bidsErrs = append(bidsErrs, theseErrs...)
		bidResponses = append(bidResponses, bidResponse)
	}

	diffErrorLists(t, fmt.Sprintf("%s: MakeBids", filename), bidsErrs, spec.MakeBidsErrors)

	for i := 0; i < len(spec.BidResponses); i++ {
		if i >= len(bidResponses) {
			t.Errorf("%s: expected bid response %d which was never returned", filename, i)
			continue
		}
		diffBidLists(t, filename, bidResponses[i], spec.BidResponses[i].Bids)
		if bidResponses[i] != nil && spec.BidResponses[i].Currency != "" {
			assert.Equal(t, spec.BidResponses[i].Currency, bidResponses[i].Currency, "%s: currency of bid response %d", filename, i)
		}
	}
}

type testSpec struct {
	BidRequest        openrtb2.BidRequest     `json:"mockBidRequest"`
	HttpCalls         []httpCall              `json:"httpCalls"`
	BidResponses      []expectedBidResponse   `json:"expectedBidResponses"`
	MakeRequestErrors []testSpecExpectedError `json:"expectedMakeRequestsErrors"`
	MakeBidsErrors    []testSpecExpectedError `json:"expectedMakeBidsErrors"`
}

type testSpecExpectedError struct {
	Value      string `json:"value"`
	Comparison string `json:"comparison"`
}

func (spec *testSpec) expectsErrors() bool {
	return len(spec.MakeRequestErrors) > 0 || len(spec.MakeBidsErrors) > 0
}

type httpCall struct {
	Request  httpRequest  `json:"expectedRequest"`
	Response httpResponse `json:"mockResponse"`
}

type httpRequest struct {
	Body    json.RawMessage `json:"body"`
	Uri     string          `json:"uri"`
	Headers http.Header     `json:"headers"`
	ImpIDs  []string        `json:"impIDs"`
}

type httpResponse struct {
	Status  int             `json:"status"`
	Body    json.RawMessage `json:"body"`
	Headers http.Header     `json:"headers"`
}

type expectedBidResponse struct {
	Bids     []expectedBid `json:"bids"`
	Currency string        `json:"currency"`
}

type expectedBid struct {
	Bid  json.RawMessage `json:"bid"`
	Type string          `json:"type"`
}

// ---------------------------------------
// Lots of ugly, repetitive code below here.
//
// reflect.DeepEqual doesn't work because each OpenRTB field has an `ext []byte`, but we really care if those are JSON-equal
//
// Marshalling the structs and then using a JSON-diff library isn't great either, since
// json.RawMessage gets marshalled like a string
// ---------------------------------------

// diffHttpRequestLists compares the actual HTTP request data to the expected one.
// It assumes that the request bodies in the expected data are JSON encoded.
func diffHttpRequestLists(t *testing.T, filename string, actual []*adapters.RequestData, expected []httpCall) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Fatalf("%s: Wrong number of HTTP requests. Expected %d, got %d", filename, len(expected), len(actual))
	}
	for i := 0; i < len(expected); i++ {
		diffHttpRequests(t, fmt.Sprintf("%s: httpRequest[%d]", filename, i), actual[i], &(expected[i].Request))
	}
}

func diffErrorLists(t *testing.T, description string, actual []error, expected []testSpecExpectedError) {
	t.Helper()

	if len(expected) != len(actual) {
		t.Fatalf("%s had wrong error count. Expected %d, got %d (%v)", description, len(expected), len(actual), actual)
	}
	for i := 0; i < len(actual); i++ {
		if expected[i].Comparison == "literal" {
			if expected[i].Value != actual[i].Error() {
				t.Errorf(`%s error[%d] had wrong message. Expected "%s", got "%s"`, description, i, expected[i].Value, actual[i].Error())
			}
		} else if expected[i].Comparison == "regex" {
			if matched, _ := regexp.MatchString(expected[i].Value, actual[i].Error()); !matched {
				t.Errorf(`%s error[%d] had wrong message. Expected match with regex "%s", got "%s"`, description, i, expected[i].Value, actual[i].Error())
			}
		} else {
			t.Fatalf(`invalid comparison type "%s"`, expected[i].Comparison)
		}
	}
}

func diffHttpRequests(t *testing.T, description string, actual *adapters.RequestData, expected *httpRequest) {
	t.Helper()
	if actual == nil {
		t.Errorf("Bidders cannot return nil HTTP calls. %s was nil.", description)
		return
	}

	if expected.Uri != actual.Uri {
		t.Errorf(`%s.uri "%s" does not match expected "%s."`, description, actual.Uri, expected.Uri)
	}

	if expected.Headers != nil {
		actualHeader, _ := json.Marshal(actual.Headers)
		expectedHeader, _ := json.Marshal(expected.Headers)
		diffJson(t, description, actualHeader, expectedHeader)
	}

	if expected.ImpIDs != nil {
		assert.ElementsMatch(t, expected.ImpIDs, actual.ImpIDs, "%s.impIDs", description)
	}

	diffJson(t, description, actual.Body, expected.Body)
}

func diffBidLists(t *testing.T, filename string, response *adapters.BidderResponse, expected []expectedBid) {
	t.Helper()

	if response == nil {
		if len(expected) != 0 {
			t.Fatalf("%s: MakeBids returned no response but %d bids were expected", filename, len(expected))
		}
		return
	}

	if len(response.Bids) != len(expected) {
		t.Fatalf("%s: MakeBids returned wrong bid count. Expected %d, got %d", filename, len(expected), len(response.Bids))
	}
	for i := 0; i < len(response.Bids); i++ {
		diffBids(t, fmt.Sprintf("%s:  typedBid[%d]", filename, i), response.Bids[i], &(expected[i]))
	}
}

// diffBids compares two TypedBids for equality. If not equal, t.Errorf will be called with a description
// of the differences.
func diffBids(t *testing.T, description string, actual *adapters.TypedBid, expected *expectedBid) {
	t.Helper()

	if actual == nil {
		t.Errorf("Bidders cannot return nil TypedBids. %s was nil.", description)
		return
	}

	if string(actual.BidType) != expected.Type {
		t.Errorf(`%s.type "%s" does not match expected "%s."`, description, string(actual.BidType), expected.Type)
	}

	actualJson, _ := json.Marshal(actual.Bid)
	diffJson(t, fmt.Sprintf("%s.bid", description), actualJson, expected.Bid)
}

// diffJson compares two JSON byte arrays for structural equality. It will produce an error if either
// byte array is not actually JSON.
func diffJson(t *testing.T, description string, actual []byte, expected []byte) {
	t.Helper()

	if len(actual) == 0 && len(expected) == 0 {
		return
	}
	if len(actual) == 0 || len(expected) == 0 {
		t.Fatalf("%s json diff failed. Expected %d bytes in body, but got %d.", description, len(expected), len(actual))
	}
	diff, err := gojsondiff.New().Compare(actual, expected)
	if err != nil {
		t.Fatalf("%s json diff failed. %v", description, err)
	}

	if diff.Modified() {
		var left interface{}
		if err := json.Unmarshal(actual, &left); err != nil {
			t.Fatalf("%s json did not match, but unmarshalling failed. %v", description, err)
		}
		printer := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
			ShowArrayIndex: true,
		})
		output, err := printer.Format(diff)
		if err != nil {
			t.Errorf("%s did not match, but diff formatting failed. %v", description, err)
		} else {
			t.Errorf("%s json did not match expected.\n\n%s", description, output)
		}
	}
}
