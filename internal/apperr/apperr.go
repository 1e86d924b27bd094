// Package apperr defines the error taxonomy shared by the request pipeline,
// the permission engine, and the DNS backends. Kinds are stable strings that
// surface to API callers as the response "message"; the wrapped detail stays
// in logs and audit records only.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure with a stable wire representation.
type Kind string

const (
	KindInvalidToken    Kind = "invalid_token"
	KindTokenExpired    Kind = "token_expired"
	KindAccountLocked   Kind = "account_locked"
	KindAccountDisabled Kind = "account_disabled"

	KindPermissionDenied Kind = "permission_denied"

	KindRealmNotFound Kind = "realm_not_found"
	KindZoneNotFound  Kind = "zone_not_found"
	KindNotFound      Kind = "not_found"

	KindBackendUnavailable   Kind = "backend_unavailable"
	KindBackendRefused       Kind = "backend_refused"
	KindBackendProtocolError Kind = "backend_protocol_error"
	KindBackendTimeout       Kind = "backend_timeout"

	KindRateLimited     Kind = "rate_limited"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindMalformed       Kind = "malformed_request"

	KindConflict      Kind = "conflict"
	KindConfigInvalid Kind = "config_invalid"
	KindStorageError  Kind = "storage_error"
	KindInternal      Kind = "internal_error"
)

// Deny sub-reasons carried alongside KindPermissionDenied.
const (
	ReasonOperationNotAllowed  = "operation_not_allowed"
	ReasonRecordTypeNotAllowed = "record_type_not_allowed"
	ReasonZoneNotInRealm       = "zone_not_in_realm"
	ReasonOriginNotAllowed     = "origin_not_allowed"
	ReasonRootPolicyRefused    = "root_policy_refused"
)

// Error carries a taxonomy kind, an optional deny sub-reason, and the
// wrapped cause. The cause never reaches the API caller.
type Error struct {
	Kind   Kind
	Reason string // deny sub-reason, empty unless Kind == KindPermissionDenied
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf creates an Error with a formatted cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Denied creates a permission_denied Error with a sub-reason.
func Denied(reason string) *Error {
	return &Error{Kind: KindPermissionDenied, Reason: reason}
}

// KindOf extracts the taxonomy kind from any error chain. Unrecognized
// errors are classified internal_error so the pipeline stays total.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// ReasonOf extracts the deny sub-reason, or the kind string when no
// sub-reason applies.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Reason != "" {
			return ae.Reason
		}
		return string(ae.Kind)
	}
	return string(KindInternal)
}

// HTTPStatus maps a taxonomy kind to the HTTP status of the API contract.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMalformed, KindConfigInvalid:
		return http.StatusBadRequest
	case KindInvalidToken, KindTokenExpired, KindAccountLocked, KindAccountDisabled:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindRealmNotFound, KindZoneNotFound, KindNotFound:
		return http.StatusNotFound
	case KindBackendTimeout:
		return http.StatusRequestTimeout
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
