package oura

import (
	"errors"
	"fmt"
	"net/http"
)

// maxErrorBodyLen bounds the response excerpt carried on an HTTPError.
// Full provider bodies can be large and may echo request details; only a
// truncated excerpt is ever stored or logged.
const maxErrorBodyLen = 512

// HTTPError is a terminal non-2xx response from the Oura API
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("oura api error (status %d): %s", e.StatusCode, e.Body)
}

func newHTTPError(statusCode int, body []byte) *HTTPError {
	s := string(body)
	if len(s) > maxErrorBodyLen {
		s = s[:maxErrorBodyLen]
	}
	return &HTTPError{StatusCode: statusCode, Body: s}
}

// IsUnauthorized reports whether err is a 401 from the API
func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsForbidden reports whether err is a 403 from the API
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsAuthError reports whether err means the stored credentials were rejected
// (401 or 403). Callers demote the connection to stale on these.
func IsAuthError(err error) bool {
	return IsUnauthorized(err) || IsForbidden(err)
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsTooManyRequests reports whether err is a 429 from the API
func IsTooManyRequests(err error) bool {
	return hasStatus(err, http.StatusTooManyRequests)
}

func hasStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}
