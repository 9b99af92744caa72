// Package api contains JSON helpers shared by the HTTP API handlers.
package api

import (
	"encoding/json"
	"net/http"
)

// Error is the JSON body of an API error response.
// Code is a stable machine-readable reason; clients key on it rather
// than on the human readable Err string.
type Error struct {
	Err       string `json:"error"`
	Code      string `json:"code,omitempty"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// JSONError encodes err as JSON to w.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	JSONErrorCode(w, &Error{Err: err.Error()}, statusCode)
}

// JSONErrorCode encodes the structured apiErr as JSON to w.
func JSONErrorCode(w http.ResponseWriter, apiErr *Error, statusCode int) {
	w.Header().Set("Content-type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// JSON encodes v as the JSON response body with an OK status.
func JSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
