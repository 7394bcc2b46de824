// Package gcal provides an HTTP client for the Google Calendar API
// with automatic retry, batched (multipart/mixed) calls, and error
// classification.
package gcal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, gcal.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("gcal: bad request")
	ErrUnauthorized = errors.New("gcal: unauthorized")
	ErrForbidden    = errors.New("gcal: forbidden")
	ErrNotFound     = errors.New("gcal: not found")
	ErrConflict     = errors.New("gcal: conflict")
	ErrGone         = errors.New("gcal: resource gone")
	ErrRateLimited  = errors.New("gcal: rate limited")
	ErrUnavailable  = errors.New("gcal: service unavailable")
	ErrServerError  = errors.New("gcal: server error")
)

// Rate-limit reasons the Calendar API reports on HTTP 403. Any other
// 403 reason (e.g. insufficient scope) is a hard failure.
const (
	reasonRateLimit     = "rateLimitExceeded"
	reasonUserRateLimit = "userRateLimitExceeded"
)

// CallError wraps a sentinel error with the HTTP status code and the
// decoded Google error envelope for a single API call.
type CallError struct {
	StatusCode int
	Reason     string // first error reason from the envelope, if any
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *CallError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gcal: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("gcal: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// errorEnvelope is the Google API error response body:
//
//	{"error": {"code": 403, "message": "...", "errors": [{"reason": "..."}]}}
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// newCallError builds a CallError from a status code and raw response body.
func newCallError(status int, body []byte) *CallError {
	var env errorEnvelope

	ce := &CallError{
		StatusCode: status,
		Message:    string(body),
		Err:        classifyStatus(status),
	}

	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != 0 {
		ce.Message = env.Error.Message
		if len(env.Error.Errors) > 0 {
			ce.Reason = env.Error.Errors[0].Reason
		}
	}

	if status == http.StatusForbidden && isRateLimitReason(ce.Reason) {
		ce.Err = ErrRateLimited
	}

	return ce
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

func isRateLimitReason(reason string) bool {
	return reason == reasonRateLimit || reason == reasonUserRateLimit
}

// retryable reports whether a failed call should be retried with backoff.
// Rate limiting (429, or 403 with a rate-limit reason) and unavailability
// (503, and transport timeouts mapped to it) qualify; everything else
// surfaces immediately.
func retryable(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return errors.Is(ce.Err, ErrRateLimited) || errors.Is(ce.Err, ErrUnavailable)
	}

	return false
}
