package openrtb_ext

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// BidderName refers to a core bidder id or an alias id.
type BidderName string

const (
	BidderConsumable BidderName = "consumable"
)

// CoreBidderNames returns a slice of all core bidders.
func CoreBidderNames() []BidderName {
	return []BidderName{
		BidderConsumable,
	}
}

var bidderNameLookup = func() map[string]BidderName {
	lookup := make(map[string]BidderName)
	for _, name := range CoreBidderNames() {
		lookup[strings.ToLower(string(name))] = name
	}
	return lookup
}()

var aliasBidderToParent = map[BidderName]BidderName{}

// NormalizeBidderName returns the normalized bidder name for a core bidder or a registered alias.
// Lookups are case insensitive.
func NormalizeBidderName(name string) (BidderName, bool) {
	bidderName, ok := bidderNameLookup[strings.ToLower(name)]
	return bidderName, ok
}

// SetAliasBidderName registers identifier as an alias of a core bidder. Aliases are registered
// while the bidder infos load, before any request is served.
func SetAliasBidderName(identifier string, baseBidder BidderName) error {
	if IsBidderNameReserved(identifier) {
		return fmt.Errorf("alias %s is a reserved bidder name and cannot be used", identifier)
	}
	if _, isAlias := aliasBidderToParent[baseBidder]; isAlias {
		return fmt.Errorf("alias %s cannot have alias %s as its parent", identifier, baseBidder)
	}
	if _, known := bidderNameLookup[strings.ToLower(string(baseBidder))]; !known {
		return fmt.Errorf("unknown parent bidder: %s for alias: %s", baseBidder, identifier)
	}
	aliasBidder := BidderName(identifier)
	bidderNameLookup[strings.ToLower(identifier)] = aliasBidder
	aliasBidderToParent[aliasBidder] = baseBidder
	return nil
}

// ParentBidder returns the core bidder of an alias, or the bidder itself if it is not an alias.
func ParentBidder(name BidderName) BidderName {
	if parent, ok := aliasBidderToParent[name]; ok {
		return parent
	}
	return name
}

func (name BidderName) String() string {
	return string(name)
}

// Names of reserved bidders. These names may not be used by a core bidder or alias.
const (
	BidderReservedAll     BidderName = "all"     // Reserved for the /info/bidders/all endpoint.
	BidderReservedContext BidderName = "context" // Reserved for first party data.
	BidderReservedData    BidderName = "data"    // Reserved for first party data.
	BidderReservedPrebid  BidderName = "prebid"  // Reserved for Prebid Server configuration.
	BidderReservedSKAdN   BidderName = "skadn"   // Reserved for Apple's SKAdNetwork OpenRTB extension.
)

// IsBidderNameReserved returns true if the specified name is a case insensitive match for a reserved bidder name.
func IsBidderNameReserved(name string) bool {
	for _, reserved := range []BidderName{BidderReservedAll, BidderReservedContext, BidderReservedData, BidderReservedPrebid, BidderReservedSKAdN} {
		if strings.EqualFold(name, string(reserved)) {
			return true
		}
	}
	return false
}

// BidderParamValidator is used to enforce bidrequest.imp[i].ext.prebid.bidder.{anyBidder} values.
//
// This is treated differently from the other types because we rely on JSON-schemas to validate bidder params.
type BidderParamValidator interface {
	Validate(name BidderName, ext json.RawMessage) error
	// Schema returns the JSON schema used to perform validation.
	Schema(name BidderName) string
}

// NewBidderParamsValidator makes a BidderParamValidator, assuming all the necessary files exist in the filesystem.
// This will error if, for example, a Bidder gets added but no JSON schema is written for them.
func NewBidderParamsValidator(schemaDirectory string) (BidderParamValidator, error) {
	fileInfos, err := os.ReadDir(schemaDirectory)
	if err != nil {
		return nil, fmt.Errorf("Failed to read JSON schemas from directory %s. %v", schemaDirectory, err)
	}

	filesystem := http.Dir(schemaDirectory)
	schemaContents := make(map[BidderName]string, len(fileInfos))
	schemas := make(map[BidderName]*gojsonschema.Schema, len(fileInfos))
	for _, fileInfo := range fileInfos {
		bidderName := strings.TrimSuffix(fileInfo.Name(), ".json")
		normalized, isValid := NormalizeBidderName(bidderName)
		if !isValid {
			return nil, fmt.Errorf("File %s/%s does not match a valid BidderName.", schemaDirectory, fileInfo.Name())
		}

		schemaLoader := gojsonschema.NewReferenceLoaderFileSystem(fmt.Sprintf("file:///%s", fileInfo.Name()), filesystem)
		loadedSchema, err := gojsonschema.NewSchema(schemaLoader)
		if err != nil {
			return nil, fmt.Errorf("Failed to load json schema at %s/%s: %v", schemaDirectory, fileInfo.Name(), err)
		}

		fileBytes, err := os.ReadFile(filepath.Join(schemaDirectory, fileInfo.Name()))
		if err != nil {
			return nil, fmt.Errorf("Failed to read file %s/%s: %v", schemaDirectory, fileInfo.Name(), err)
		}

		schemas[normalized] = loadedSchema
		schemaContents[normalized] = string(fileBytes)
	}

	return &bidderParamValidator{
		schemaContents: schemaContents,
		parsedSchemas:  schemas,
	}, nil
}

type bidderParamValidator struct {
	schemaContents map[BidderName]string
	parsedSchemas  map[BidderName]*gojsonschema.Schema
}

func (validator *bidderParamValidator) Validate(name BidderName, ext json.RawMessage) error {
	schema, ok := validator.parsedSchemas[ParentBidder(name)]
	if !ok {
		return fmt.Errorf("no JSON schema registered for bidder %s", name)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(ext))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errBuilder := bytes.NewBuffer(make([]byte, 0, 300))
		for _, err := range result.Errors() {
			errBuilder.WriteString(err.String())
		}
		return errors.New(errBuilder.String())
	}
	return nil
}

func (validator *bidderParamValidator) Schema(name BidderName) string {
	return validator.schemaContents[ParentBidder(name)]
}
