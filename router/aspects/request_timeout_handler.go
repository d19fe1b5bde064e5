package aspects

import (
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/prebid/prebid-server-core/config"
)

// QueuedRequestTimeout rejects requests which waited longer than allowed in an upstream queue. The
// wait and its limit are read from the configured headers, in seconds. Requests without both
// headers are served as usual.
func QueuedRequestTimeout(f httprouter.Handle, reqTimeoutHeaders config.RequestTimeoutHeaders) httprouter.Handle {
	if reqTimeoutHeaders.RequestTimeInQueue == "" || reqTimeoutHeaders.RequestTimeoutInQueue == "" {
		return f
	}

	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		reqTimeInQueue := r.Header.Get(reqTimeoutHeaders.RequestTimeInQueue)
		reqTimeout := r.Header.Get(reqTimeoutHeaders.RequestTimeoutInQueue)

		if reqTimeInQueue == "" || reqTimeout == "" {
			f(w, r, params)
			return
		}

		reqTimeFloat, reqTimeFloatErr := strconv.ParseFloat(reqTimeInQueue, 64)
		reqTimeoutFloat, reqTimeoutFloatErr := strconv.ParseFloat(reqTimeout, 64)

		if reqTimeFloatErr != nil || reqTimeoutFloatErr != nil {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Request timeout headers are incorrect (wrong format)"))
			return
		}

		if reqTimeFloat >= reqTimeoutFloat {
			w.WriteHeader(http.StatusRequestTimeout)
			w.Write([]byte("Queued request processing time exceeded maximum"))
			return
		}

		f(w, r, params)
	}
}
