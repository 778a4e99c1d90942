package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrTransport marks failures where the request never produced an HTTP
	// response: dial, DNS, reset, timeout.
	ErrTransport = errors.New("remote unreachable")
	ErrNotFound  = errors.New("remote resource not found")
	ErrRejected  = errors.New("rejected by validation")
)

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport: %v", e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// RejectionError carries a business-rule rejection exactly as the validation
// service reported it.
type RejectionError struct {
	Code                string
	Message             string
	ExternalReferenceID string
}

func (e *RejectionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rejected %s: %s", e.Code, e.Message)
	}
	return "rejected: " + e.Message
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// IsTransport reports whether err means the backend could not be reached.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// FailureCode maps an error to the normalized code recorded on a failed task.
func FailureCode(err error) string {
	if err == nil {
		return ""
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return "rejected"
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case httpErr.StatusCode == http.StatusUnauthorized:
			return "unauthorized"
		case httpErr.StatusCode == http.StatusForbidden:
			return "forbidden"
		case httpErr.StatusCode == http.StatusNotFound:
			return "not_found"
		case httpErr.StatusCode == http.StatusConflict:
			return "conflict"
		case httpErr.StatusCode >= 500:
			return "remote_unavailable"
		}
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	normalized := strings.ToLower(err.Error())
	switch {
	case strings.Contains(normalized, "timeout"), strings.Contains(normalized, "timed out"), strings.Contains(normalized, "deadline exceeded"):
		return "timeout"
	case IsTransport(err):
		return "transport"
	default:
		return "unknown"
	}
}
