package edgelens

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"syscall"
)

// Sentinel errors shared across the edge and gateway components.
var (
	// ErrPortInUse marks a listen failure caused by another process
	// already holding the port. It is fatal at startup; nothing retries
	// a bind.
	ErrPortInUse = errors.New("port already in use")

	// ErrRemoteUnreachable marks a failure to reach the edge node at
	// all, as opposed to a single port or process being down.
	ErrRemoteUnreachable = errors.New("edge node unreachable")
)

// BindError wraps a net.Listen failure for addr, tagging address-in-use
// failures with ErrPortInUse so callers can report them distinctly.
func BindError(addr string, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("listen %s: %w: %w", addr, ErrPortInUse, err)
	}
	return fmt.Errorf("listen %s: %w", addr, err)
}

// Error codes returned by the agent and supervisor APIs.
const (
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeServiceNotFound = "service_not_found"
	ErrCodeBadRequest      = "bad_request"
	ErrCodeInternal        = "internal_error"
)

// APIError is a structured error response from an edgelens HTTP API. It
// implements the error interface.
type APIError struct {
	// ErrorCode is the machine-readable code (e.g. "service_not_found")
	ErrorCode string `json:"error"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Detail carries optional extra context (failing stage, port, path)
	Detail string `json:"detail,omitempty"`

	// StatusCode is the HTTP status (set by the parser, not from JSON)
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return fmt.Sprintf("API error (status %d)", e.StatusCode)
}

// IsNotFound reports whether the error names a missing service or resource.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.ErrorCode == ErrCodeServiceNotFound
}

// IsUnauthorized reports whether the request was rejected for a bad or
// missing token.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.ErrorCode == ErrCodeUnauthorized
}

// ParseAPIError parses a structured API error from an HTTP response.
// Returns nil if the response is not an error (status < 400).
func ParseAPIError(resp *http.Response, body []byte) *APIError {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
	}

	if len(body) > 0 {
		// If the body is not our JSON shape, keep it as the message
		if err := json.Unmarshal(body, apiErr); err != nil {
			apiErr.Message = string(body)
		}
	}

	if apiErr.Message == "" && apiErr.ErrorCode == "" {
		apiErr.Message = fmt.Sprintf("API error (status %d)", resp.StatusCode)
	}

	return apiErr
}

// IsAPIError returns err as an *APIError if it is one, else nil.
func IsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return nil
}

// TransferError reports a failed deployment file transfer. Transfers are
// not retried; the caller decides what to do.
type TransferError struct {
	Dir string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %s failed: %v", e.Dir, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// RemoteExecError reports a failed remote command execution.
type RemoteExecError struct {
	Cmd string
	Err error
}

func (e *RemoteExecError) Error() string {
	return fmt.Sprintf("remote exec %q failed: %v", e.Cmd, e.Err)
}

func (e *RemoteExecError) Unwrap() error { return e.Err }
