package endpoints

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// NewStatusEndpoint returns the /status handler. It writes response when one is configured and
// answers 204 otherwise.
func NewStatusEndpoint(response string) httprouter.Handle {
	if response == "" {
		return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			w.WriteHeader(http.StatusNoContent)
		}
	}
	responseBytes := []byte(response)
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Write(responseBytes)
	}
}
