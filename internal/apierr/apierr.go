// Package apierr defines the error taxonomy shared by the activation and
// request-authentication paths. Every rejection carries a stable,
// machine-readable Kind plus a human-readable message; the HTTP layer maps
// kinds to status codes with StatusOf.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable machine-readable category of an error.
type Kind string

const (
	KindMissingHeaders              Kind = "MissingHeaders"
	KindMalformedTimestamp          Kind = "MalformedTimestamp"
	KindStaleOrFutureTimestamp      Kind = "StaleOrFutureTimestamp"
	KindUnknownOrInactiveIdentity   Kind = "UnknownOrInactiveIdentity"
	KindInvalidSignature            Kind = "InvalidSignature"
	KindInvalidActivationCredential Kind = "InvalidActivationCredential"
	KindActivationExpired           Kind = "ActivationExpired"
	KindAlreadyActivated            Kind = "AlreadyActivated"
	KindActivationFailed            Kind = "ActivationFailed"
	KindSigningError                Kind = "SigningError"

	KindInvalidArgument Kind = "InvalidArgument"
	KindNotFound        Kind = "NotFound"
	KindInternal        Kind = "Internal"
)

// Error is an error with a Kind.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"error"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so sentinel comparisons with
// errors.Is work regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrMissingHeaders              = New(KindMissingHeaders, "missing required authentication headers")
	ErrMalformedTimestamp          = New(KindMalformedTimestamp, "invalid timestamp format")
	ErrStaleOrFutureTimestamp      = New(KindStaleOrFutureTimestamp, "request timestamp is too old or too far in the future")
	ErrUnknownOrInactiveIdentity   = New(KindUnknownOrInactiveIdentity, "identity not found or not activated")
	ErrInvalidSignature            = New(KindInvalidSignature, "invalid signature")
	ErrInvalidActivationCredential = New(KindInvalidActivationCredential, "invalid activation credential or identity already activated")
	ErrActivationExpired           = New(KindActivationExpired, "activation credential has expired")
	ErrAlreadyActivated            = New(KindAlreadyActivated, "this node is already activated")
	ErrNotFound                    = New(KindNotFound, "not found")
)

// KindOf returns the Kind of err, or KindInternal for errors without one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human-readable message for err. Errors without a
// Kind are reported generically so internal details never reach clients.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	switch KindOf(err) {
	case KindMissingHeaders, KindMalformedTimestamp, KindInvalidArgument, KindAlreadyActivated:
		return http.StatusBadRequest
	case KindStaleOrFutureTimestamp, KindUnknownOrInactiveIdentity, KindInvalidSignature,
		KindInvalidActivationCredential, KindActivationExpired:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindActivationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an activation attempt that failed with err may
// be retried with the same secret. Rejections of the secret itself are
// permanent; transport failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindInvalidActivationCredential, KindActivationExpired, KindAlreadyActivated, KindInvalidArgument:
		return false
	case KindActivationFailed:
		var e *Error
		if errors.As(err, &e) && e.Cause != nil {
			// Look through the wrapper at the upstream reason.
			var inner *Error
			if errors.As(e.Cause, &inner) {
				return Retryable(inner)
			}
		}
		return true
	default:
		return true
	}
}
