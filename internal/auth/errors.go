package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoSession is returned by calls that need a signed-in session
var ErrNoSession = errors.New("auth: no session")

// Error is an error response from the auth endpoint
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("auth error %d: %s", e.Status, e.Message)
}

// SessionGone reports whether the endpoint no longer knows the session
func (e *Error) SessionGone() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// parseError reads either error body shape the endpoint produces:
// {"code":400,"error_code":"...","msg":"..."} or
// {"error":"invalid_grant","error_description":"..."}.
func parseError(status int, body []byte) *Error {
	var payload struct {
		ErrorCode        string `json:"error_code"`
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	e := &Error{Status: status}
	if err := json.Unmarshal(body, &payload); err != nil {
		e.Message = string(body)
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
		return e
	}

	e.Code = payload.ErrorCode
	if e.Code == "" {
		e.Code = payload.Error
	}
	for _, m := range []string{payload.Msg, payload.ErrorDescription, payload.Message, payload.Error} {
		if m != "" {
			e.Message = m
			break
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
