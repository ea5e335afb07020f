package api

import (
	"encoding/json"
	"net/http"

	"github.com/vendornexus/backend/internal/apperr"
)

// writeJSON emits a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError emits the platform error envelope {error:{kind,message,details?}}.
func writeError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	body := map[string]any{"kind": e.Kind, "message": e.Message}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	writeJSON(w, apperr.HTTPStatus(err), map[string]any{"error": body})
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.Validation, "invalid request body")
	}
	return nil
}
