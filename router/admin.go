package router

import (
	"net/http"
	"net/http/pprof"

	"github.com/prebid/prebid-server-core/endpoints"
)

// Admin returns the handler served on the admin port: the build version and the pprof profiles.
func Admin(version, revision string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/version", endpoints.NewVersionEndpoint(version, revision))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
