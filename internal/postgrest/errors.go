package postgrest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is an error response from the REST endpoint
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "postgrest: HTTP %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Details != "" {
		fmt.Fprintf(&b, " (%s)", e.Details)
	}
	return b.String()
}

// Temporary reports whether the failure is on the server side
func (e *APIError) Temporary() bool {
	return e.Status >= 500
}

// parseAPIError builds an APIError from a non-2xx response body
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.Status = status
	return apiErr
}
