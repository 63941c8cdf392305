package fetch

import (
	"fmt"
	"net/http"
)

// Code classifies a fetch failure.
type Code string

// Fetch failure codes.
const (
	CodeTimeout           Code = "TIMEOUT"
	CodeSizeLimitExceeded Code = "SIZE_LIMIT_EXCEEDED"
	CodeHTTPError         Code = "HTTP_ERROR"
	CodeDNSError          Code = "DNS_ERROR"
	CodeReadError         Code = "READ_ERROR"
	CodeTooManyRedirects  Code = "TOO_MANY_REDIRECTS"
	CodeRequestError      Code = "REQUEST_ERROR"
)

// Error represents an error during URL fetching.
type Error struct {
	Code       Code
	URL        string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: fetch %s: %s: %v", e.Code, e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: fetch %s: %s", e.Code, e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the fetch later may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeDNSError:
		return true
	case CodeHTTPError:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}
