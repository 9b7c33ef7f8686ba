// Package httputil holds the JSON request and response helpers shared by the
// HTTP surface and its middleware, plus a small client for the API.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/R3E-Network/vidledger/internal/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body written for every failed request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DecodeJSON decodes a single JSON object into dst, rejecting unknown
// fields. An empty body leaves dst untouched.
func DecodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return apperrors.Validation("invalid request body: %v", err)
	}
	return nil
}

// WriteJSON writes data with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError renders err through the service error taxonomy. Errors outside
// the taxonomy, and Internal errors, surface with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	se := apperrors.GetServiceError(err)
	if se == nil {
		se = apperrors.Internal("internal error", err)
	}
	resp := ErrorResponse{Error: se.Message, Code: string(se.Code), Details: se.Details}
	if se.Code == apperrors.CodeInternal {
		resp = ErrorResponse{Error: "internal error", Code: string(se.Code)}
	}
	WriteJSON(w, se.HTTPStatus, resp)
}

// APIError is returned by DecodeResponse for non-2xx responses.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s (%s)", e.Status, e.ErrorResponse.Error, e.Code)
}
