package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
	"github.com/prebid/prebid-server-core/endpoints"
	infoEndpoints "github.com/prebid/prebid-server-core/endpoints/info"
	"github.com/prebid/prebid-server-core/endpoints/openrtb2"
	"github.com/prebid/prebid-server-core/errortypes"
	"github.com/prebid/prebid-server-core/exchange"
	metricsConf "github.com/prebid/prebid-server-core/metrics/config"
	"github.com/prebid/prebid-server-core/openrtb_ext"
	"github.com/prebid/prebid-server-core/router/aspects"
	"github.com/prebid/prebid-server-core/usersync"
	"github.com/rs/cors"
)

// NewJsonDirectoryServer is used to serve .json files from a directory as a single blob. For example,
// given a directory containing the files "a.json" and "b.json", this returns a Handle which serves JSON like:
//
//	{
//	  "a": { ... content from the file a.json ... },
//	  "b": { ... content from the file b.json ... }
//	}
//
// Aliases are served their parent's schema.
//
// This function stores the file contents in memory, and should not be used on large directories.
// If the root directory, or any of the files in it, cannot be read, then the program will exit.
func NewJsonDirectoryServer(schemaDirectory string, validator openrtb_ext.BidderParamValidator, bidderInfos config.BidderInfos) httprouter.Handle {
	response, err := prepareJsonDirectoryResponse(schemaDirectory, validator, bidderInfos)
	if err != nil {
		glog.Fatal(err)
	}

	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Add("Content-Type", "application/json")
		w.Write(response)
	}
}

func prepareJsonDirectoryResponse(schemaDirectory string, validator openrtb_ext.BidderParamValidator, bidderInfos config.BidderInfos) ([]byte, error) {
	// Slurp the files into memory first, since they're small and it minimizes request latency.
	files, err := os.ReadDir(schemaDirectory)
	if err != nil {
		return nil, fmt.Errorf("Failed to read directory %s: %v", schemaDirectory, err)
	}

	data := make(map[string]json.RawMessage, len(files))
	for _, file := range files {
		bidder := strings.TrimSuffix(file.Name(), ".json")
		bidderName, isValid := openrtb_ext.NormalizeBidderName(bidder)
		if !isValid {
			return nil, fmt.Errorf("Schema exists for an unknown bidder: %s", bidder)
		}
		data[bidder] = json.RawMessage(validator.Schema(bidderName))
	}

	for aliasName, info := range bidderInfos {
		if info.AliasOf == "" {
			continue
		}
		bidderData, ok := data[info.AliasOf]
		if !ok {
			return nil, fmt.Errorf("Alias (%s) exists referencing a bidder without a schema: %s", aliasName, info.AliasOf)
		}
		data[aliasName] = bidderData
	}

	return json.Marshal(data)
}

type NoCache struct {
	Handler http.Handler
}

func (m NoCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Add("Pragma", "no-cache")
	w.Header().Add("Expires", "0")
	m.Handler.ServeHTTP(w, r)
}

type Router struct {
	*httprouter.Router
	MetricsEngine   *metricsConf.DetailedMetricsEngine
	ParamsValidator openrtb_ext.BidderParamValidator
	Shutdown        func()
}

func newTransport(cfg config.Connections) *http.Transport {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeout) * time.Second,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
	}

	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
	}

	return transport
}

// New builds every component of the server from the configuration and registers its endpoints.
func New(cfg *config.Configuration) (r *Router, err error) {
	r = &Router{
		Router:   httprouter.New(),
		Shutdown: func() {},
	}

	generalHttpClient := &http.Client{
		Transport: newTransport(cfg.Connections),
	}

	bidderNames, err := listBidderInfoFiles(cfg.BidderInfoDir)
	if err != nil {
		return nil, err
	}
	bidderInfos, err := config.LoadBidderInfoFromDisk(cfg.BidderInfoDir, cfg.Adapters, bidderNames)
	if err != nil {
		return nil, err
	}

	activeBidders := exchange.GetActiveBidders(bidderInfos)
	r.MetricsEngine = metricsConf.NewMetricsEngine(cfg, activeBidders)

	r.ParamsValidator, err = openrtb_ext.NewBidderParamsValidator(cfg.BidderParamsDir)
	if err != nil {
		return nil, fmt.Errorf("Failed to create the bidder params validator. %v", err)
	}

	syncersByBidder, errs := usersync.BuildSyncers(cfg, bidderInfos)
	if len(errs) > 0 {
		return nil, errortypes.NewAggregateErrors("user sync", errs)
	}

	adapters, errs := exchange.BuildAdapters(generalHttpClient, cfg, bidderInfos, r.MetricsEngine)
	if len(errs) > 0 {
		return nil, errortypes.NewAggregateErrors("Failed to initialize adapters", errs)
	}
	theExchange := exchange.NewExchange(adapters, bidderInfos, r.MetricsEngine)

	openrtbEndpoint, err := openrtb2.NewEndpoint(theExchange, r.ParamsValidator, cfg, r.MetricsEngine)
	if err != nil {
		return nil, fmt.Errorf("Failed to create the openrtb2 endpoint handler. %v", err)
	}
	openrtbEndpoint = aspects.QueuedRequestTimeout(openrtbEndpoint, cfg.RequestTimeoutHeaders)

	r.POST("/openrtb2/auction", openrtbEndpoint)
	r.GET("/info/bidders", infoEndpoints.NewBiddersEndpoint(bidderInfos))
	r.GET("/info/bidders/:bidderName", infoEndpoints.NewBidderDetailsEndpoint(bidderInfos))
	r.GET("/bidders/params", NewJsonDirectoryServer(cfg.BidderParamsDir, r.ParamsValidator, bidderInfos))
	r.POST("/cookie_sync", endpoints.NewCookieSyncEndpoint(syncersByBidder, cfg, r.MetricsEngine))
	r.GET("/status", endpoints.NewStatusEndpoint(cfg.StatusResponse))
	r.GET("/setuid", endpoints.NewSetUIDEndpoint(cfg.HostCookie, syncersByBidder))
	r.GET("/getuids", endpoints.NewGetUIDsEndpoint(cfg.HostCookie))

	glog.Infof("Serving %d bidders: %v", len(activeBidders), activeBidders)
	return r, nil
}

// listBidderInfoFiles returns the bidder names of the yaml files in the bidder info directory.
func listBidderInfoFiles(infoDirectory string) ([]string, error) {
	files, err := os.ReadDir(infoDirectory)
	if err != nil {
		return nil, fmt.Errorf("Failed to read bidder info directory %s: %v", infoDirectory, err)
	}

	bidders := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".yaml") {
			continue
		}
		bidders = append(bidders, strings.TrimSuffix(file.Name(), ".yaml"))
	}
	sort.Strings(bidders)
	return bidders, nil
}

// Fixes #648
//
// These CORS options pose a security risk... but it's a calculated one.
// People _must_ call us with "withCredentials" set to "true" because that's how we use the cookie sync info.
// We also must allow all origins because every site on the internet _could_ call us.
//
// This is an inherent security risk. However, PBS doesn't use cookies for authorization--just identification.
// We only store the User's ID for each Bidder, and each Bidder has already exposed a public cookie sync endpoint
// which returns that data anyway.
//
// For more info, see:
//
// - https://github.com/rs/cors/issues/55
// - https://developer.mozilla.org/en-US/docs/Web/HTTP/CORS/Errors/CORSNotSupportingCredentials
// - https://portswigger.net/blog/exploiting-cors-misconfigurations-for-bitcoins-and-bounties
func SupportCORS(handler http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept"}})
	return c.Handler(handler)
}
