// Package cyxerr defines the typed error kinds the coordination core
// surfaces across its component boundaries, per the error taxonomy the
// S3-like façade collaborator maps onto its own status codes.
package cyxerr

import "fmt"

// Kind identifies a class of error in the taxonomy surfaced to the
// façade collaborator.
type Kind string

const (
	KindNoSuchBucket          Kind = "NoSuchBucket"
	KindNoSuchKey             Kind = "NoSuchKey"
	KindBucketAlreadyExists   Kind = "BucketAlreadyExists"
	KindBucketNotEmpty        Kind = "BucketNotEmpty"
	KindAccessDenied          Kind = "AccessDenied"
	KindInvalidRequest        Kind = "InvalidRequest"
	KindInsufficientStorage   Kind = "InsufficientStorage"
	KindNetworkNoNodesAvail   Kind = "NetworkNoNodesAvailable"
	KindNetworkQuorumFailed   Kind = "NetworkQuorumFailed"
	KindNetworkNodeTimeout    Kind = "NetworkNodeTimeout"
	KindInsufficientShards    Kind = "InsufficientShards"
	KindIntegrityFailure      Kind = "IntegrityFailure"
	KindInternalError         Kind = "InternalError"
)

// Error is a typed error carrying a stable Kind alongside a human message
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind from err, returning KindInternalError if err is
// not a *Error.
func KindOf(err error) Kind {
	e, ok := err.(*Error)
	if !ok {
		return KindInternalError
	}
	return e.Kind
}
