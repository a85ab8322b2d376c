package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	svcerrors "github.com/r3e-cellvault/cellserver/pkg/errors"
)

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return svcerrors.InvalidInput("body", "malformed JSON: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps a ServiceError (or any error) onto the response codes
// the API surface promises, always as a JSON {"error": "..."} body.
func writeError(w http.ResponseWriter, err error) {
	status := svcerrors.GetHTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
