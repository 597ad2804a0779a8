package mivaa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNoShapeMatched = errors.New("no known response shape matched")
	ErrMalformedBody  = errors.New("response body is not valid JSON")
	ErrNoDocument     = errors.New("job result carries no document reference")
	ErrInvalidPolicy  = errors.New("invalid poll policy")
)

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Action     string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s: http %d: %s", e.Action, e.StatusCode, body)
}

// APIError is an application-level failure reported inside a 2xx body,
// e.g. {"success": false, "error": "..."}.
type APIError struct {
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error: %s", e.Action, e.Message)
}

// ShapeError names the logical field that could not be located and every
// path that was tried.
type ShapeError struct {
	Field string
	Tried []string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("field %q: tried %s", e.Field, strings.Join(e.Tried, ", "))
}

func (e *ShapeError) Unwrap() error { return ErrNoShapeMatched }

// IsTransient reports whether err is worth another poll: network failures,
// 5xx and 429 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	// *url.Error is itself a net.Error, so only timeouts count; TLS and
	// malformed URL failures stay permanent.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func looksNotFound(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") || strings.Contains(m, "not_found") || strings.Contains(m, "no such job")
}
