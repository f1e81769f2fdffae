// Package errs defines the closed taxonomy of error kinds surfaced to
// callers of the flow engine and session state machine.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed enumeration of error categories surfaced across the
// tenant boundary. Never add a new value without also extending httpStatus.
type Kind string

const (
	// FlowNotFound indicates the requested flow id is absent from the pack.
	FlowNotFound Kind = "flow_not_found"
	// AdapterMissing indicates the node named an unregistered adapter.
	AdapterMissing Kind = "adapter_missing"
	// AdapterCall indicates the adapter itself returned a failure.
	AdapterCall Kind = "adapter_call"
	// Session indicates a session-store I/O or CAS-conflict failure.
	Session Kind = "session"
	// State indicates a state-store I/O failure.
	State Kind = "state"
	// Policy indicates a budget was exceeded.
	Policy Kind = "policy"
	// Secrets indicates a secret lookup was denied or missing.
	Secrets Kind = "secrets"
	// Serialization indicates a payload was too large or malformed.
	Serialization Kind = "serialization"
	// Timeout indicates the TenantCtx deadline was exceeded.
	Timeout Kind = "timeout"
	// Pack indicates pack fetch, digest, signature, or manifest validation
	// failed.
	Pack Kind = "pack"
)

// Error wraps an underlying cause with a stable Kind and a safe reason
// string. The underlying cause is never rendered to callers outside the
// process; only Kind and Reason cross the tenant boundary.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying cause, enabling errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New constructs an Error of the given kind.
func New(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// As reports whether err (or any error in its chain) is an *Error and
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, or "" if err is not a tagged
// *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// Retriable reports whether a Kind is retriable by a caller-level retry
// (session CAS conflicts are the only caller-retriable kind; AdapterCall's
// retriability is decided inline by the §4.1 transient heuristic before it
// ever surfaces as an Error).
func Retriable(k Kind) bool {
	return k == Session
}

// httpStatus maps each Kind to the status code a boundary HTTP surface
// should use. flowhost's core never serves HTTP itself — this table exists so those
// handlers share one canonical mapping instead of reinventing it per
// provider.
var httpStatus = map[Kind]int{
	FlowNotFound:  http.StatusNotFound,
	AdapterMissing: http.StatusInternalServerError,
	AdapterCall:   http.StatusBadGateway,
	Session:       http.StatusInternalServerError,
	State:         http.StatusInternalServerError,
	Policy:        http.StatusInternalServerError,
	Secrets:       http.StatusInternalServerError,
	Serialization: http.StatusBadRequest,
	Timeout:       http.StatusGatewayTimeout,
	Pack:          http.StatusBadGateway,
}

// HTTPStatus returns the status code a boundary HTTP surface should use for
// the given Kind, defaulting to 500 for an unrecognized kind.
func HTTPStatus(k Kind) int {
	if s, ok := httpStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}
