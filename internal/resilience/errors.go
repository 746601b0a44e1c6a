// Package resilience classifies upstream call failures and provides the retry,
// backoff and circuit breaker primitives used around the reveal service.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Class is the failure category of an upstream call.
type Class string

const (
	// ClassTransient covers timeouts, 5xx responses and dropped connections.
	ClassTransient Class = "transient"
	// ClassRateLimited is an explicit throttling response from the upstream.
	ClassRateLimited Class = "rate_limited"
	// ClassAuth is a credential failure. Runs halt on it.
	ClassAuth Class = "auth"
	// ClassPermanent is an explicit rejection that will not succeed on retry.
	ClassPermanent Class = "permanent"
)

// Retryable reports whether the class is worth another attempt.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}

// CallError describes a failed upstream call. Accepted is false only when
// the upstream provably never took the request (refused connection, auth
// rejection, throttling response); quota is rolled back only in that case.
type CallError struct {
	Err        error
	Class      Class
	StatusCode int
	Accepted   bool
}

func (e *CallError) Error() string {
	return e.Err.Error()
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// NewCallError wraps err with an explicit class and acceptance flag.
func NewCallError(err error, class Class, statusCode int, accepted bool) *CallError {
	return &CallError{Err: err, Class: class, StatusCode: statusCode, Accepted: accepted}
}

// FromHTTPStatus builds a CallError for a non-success upstream response.
func FromHTTPStatus(err error, statusCode int) *CallError {
	switch {
	case statusCode == 401 || statusCode == 403:
		return NewCallError(err, ClassAuth, statusCode, false)
	case statusCode == 429:
		return NewCallError(err, ClassRateLimited, statusCode, false)
	case statusCode == 400 || statusCode == 404 || statusCode == 422:
		return NewCallError(err, ClassPermanent, statusCode, false)
	case IsTransientHTTPStatus(statusCode):
		return NewCallError(err, ClassTransient, statusCode, true)
	default:
		return NewCallError(err, ClassPermanent, statusCode, true)
	}
}

// Classify returns the failure class of err. Unknown errors are permanent
// unless they match a known transient network pattern.
func Classify(err error) Class {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassTransient
	}
	if IsTransient(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// Accepted reports whether the upstream may have processed (and charged for)
// the request that produced err. When in doubt it answers true.
func Accepted(err error) bool {
	if err == nil {
		return true
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Accepted
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	return true
}

// IsTransient reports whether err is a retryable CallError or looks like a
// network failure (timeout, reset, refused, DNS).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
