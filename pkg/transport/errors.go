package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/aufruf/pkg/api"
)

// WriteProtocolError writes a protocol rejection as JSON, using the status
// code carried by the error. The body has the platform error shape
// {"errorType": ..., "errorMessage": ...}.
func WriteProtocolError(w http.ResponseWriter, perr *api.ProtocolError) {
	WriteJSON(w, perr.Status, perr)
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
