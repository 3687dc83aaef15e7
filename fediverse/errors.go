package fediverse

import (
	"errors"
	"fmt"
)

// Platform could not be determined from any discovery endpoint.
var ErrProbeFailed = errors.New("platform probe failed")

// Non-2xx status, malformed JSON, or timeout from a remote call.
var ErrRemoteProtocol = errors.New("remote protocol error")

// Credential is valid but the account lacks admin or moderator privilege.
var ErrInsufficientPrivilege = errors.New("account lacks admin or moderator privilege")

// Operation is absent on this platform family. This is a routing signal for
// callers, not a failure: orchestration code checks Supports() first and
// treats this error as "skip silently" if it surfaces anyway.
var ErrNotSupported = errors.New("operation not supported on this platform")

// Inbound payload did not match any known report shape.
var ErrUnrecognizedPayload = errors.New("unrecognized report payload shape")

// A report with the same report key already exists. Benign; callers treat it
// as an idempotent no-op.
var ErrDuplicateReport = errors.New("duplicate report")

// APIError carries status and remote error detail for a failed remote call.
// It always matches ErrRemoteProtocol under errors.Is.
type APIError struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (ae *APIError) Error() string {
	if ae.Message != "" {
		return fmt.Sprintf("remote call failed (HTTP %d) %s: %s", ae.StatusCode, ae.Endpoint, ae.Message)
	}
	return fmt.Sprintf("remote call failed (HTTP %d) %s", ae.StatusCode, ae.Endpoint)
}

func (ae *APIError) Unwrap() error {
	return ErrRemoteProtocol
}
