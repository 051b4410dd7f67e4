// Package errors provides internal-facing error types for use in vaultca.
// Every failure that leaves the issuance pipeline is a *VaultCAError whose
// ErrorType tells the caller whether a fresh attempt makes sense.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType provides a coarse category for VaultCAErrors.
// Objects of type ErrorType should never be directly returned by other
// functions; instead use the methods to create a VaultCAError.
type ErrorType int

// Error types. The order must not change, they are logged by number.
const (
	InternalServer ErrorType = iota
	NotFound
	Malformed
	// CSRInvalid indicates a malformed or unverifiable PKCS#10 request. Fatal.
	CSRInvalid
	// KeyOperationFailed indicates the backend did not complete a key
	// generation. Safe to retry as a fresh issuance.
	KeyOperationFailed
	// CSROperationFailed indicates the backend produced no CSR for the
	// reused key. Safe to retry as a fresh issuance.
	CSROperationFailed
	SigningFailed
	CertificateBuildFailed
	MergeFailed
	AlreadyExists
)

var typeNames = map[ErrorType]string{
	InternalServer:         "internalServer",
	NotFound:               "notFound",
	Malformed:              "malformed",
	CSRInvalid:             "csrInvalid",
	KeyOperationFailed:     "keyOperationFailed",
	CSROperationFailed:     "csrOperationFailed",
	SigningFailed:          "signingFailed",
	CertificateBuildFailed: "certificateBuildFailed",
	MergeFailed:            "mergeFailed",
	AlreadyExists:          "alreadyExists",
}

// String returns the camelCase name of the error type, used as a metric
// label and in audit logs.
func (et ErrorType) String() string {
	name, ok := typeNames[et]
	if !ok {
		return fmt.Sprintf("unknown(%d)", int(et))
	}
	return name
}

// Error lets an ErrorType be the target of errors.Is.
func (et ErrorType) Error() string {
	return et.String()
}

// VaultCAError represents internal vaultca errors.
type VaultCAError struct {
	Type   ErrorType
	Detail string
	cause  error
}

func (be *VaultCAError) Error() string {
	if be.cause != nil {
		return fmt.Sprintf("%s: %s", be.Detail, be.cause)
	}
	return be.Detail
}

// Unwrap exposes both the ErrorType and any wrapped cause, so that
// errors.Is(err, berrors.SigningFailed) and errors.Is(err, context.Canceled)
// both work on the same value.
func (be *VaultCAError) Unwrap() []error {
	if be.cause != nil {
		return []error{be.Type, be.cause}
	}
	return []error{be.Type}
}

// New is a convenience function for creating a new VaultCAError.
func New(errType ErrorType, msg string, args ...any) error {
	return &VaultCAError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Wrap creates a VaultCAError of the given type that carries cause. A nil
// cause yields the same result as New.
func Wrap(errType ErrorType, cause error, msg string, args ...any) error {
	return &VaultCAError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
		cause:  cause,
	}
}

// Is is a convenience function for testing the internal type of a
// VaultCAError anywhere in err's chain.
func Is(err error, errType ErrorType) bool {
	var bErr *VaultCAError
	if !errors.As(err, &bErr) {
		return false
	}
	return bErr.Type == errType
}

// TypeOf returns the ErrorType of the first VaultCAError in err's chain, and
// InternalServer when there is none.
func TypeOf(err error) ErrorType {
	var bErr *VaultCAError
	if errors.As(err, &bErr) {
		return bErr.Type
	}
	return InternalServer
}

func InternalServerError(msg string, args ...any) error {
	return New(InternalServer, msg, args...)
}

func NotFoundError(msg string, args ...any) error {
	return New(NotFound, msg, args...)
}

func MalformedError(msg string, args ...any) error {
	return New(Malformed, msg, args...)
}

func CSRInvalidError(msg string, args ...any) error {
	return New(CSRInvalid, msg, args...)
}

func KeyOperationFailedError(cause error, msg string, args ...any) error {
	return Wrap(KeyOperationFailed, cause, msg, args...)
}

func CSROperationFailedError(cause error, msg string, args ...any) error {
	return Wrap(CSROperationFailed, cause, msg, args...)
}

func SigningFailedError(cause error, msg string, args ...any) error {
	return Wrap(SigningFailed, cause, msg, args...)
}

func CertificateBuildFailedError(msg string, args ...any) error {
	return New(CertificateBuildFailed, msg, args...)
}

func MergeFailedError(cause error, msg string, args ...any) error {
	return Wrap(MergeFailed, cause, msg, args...)
}

func AlreadyExistsError(msg string, args ...any) error {
	return New(AlreadyExists, msg, args...)
}
