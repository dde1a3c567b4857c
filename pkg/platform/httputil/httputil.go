package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"crosslock/pkg/domerrors"
)

// WriteJSON writes a JSON response with the given status. Encoding failures
// are swallowed because headers are already committed.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError centralizes domain error translation to HTTP responses so every
// handler produces the same JSON error envelope. Internal errors omit the
// description to avoid leaking infrastructure detail.
func WriteError(w http.ResponseWriter, err error) {
	var ge domerrors.GatewayError
	status := http.StatusInternalServerError
	code := string(domerrors.CodeInternal)
	description := ""
	if errors.As(err, &ge) {
		status = domerrors.ToHTTPStatus(ge.Code)
		code = string(ge.Code)
		description = ge.Message
	}

	body := map[string]string{"error": code}
	if status != http.StatusInternalServerError && description != "" {
		body["error_description"] = description
	}
	WriteJSON(w, status, body)
}
