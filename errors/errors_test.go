package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/vaultca/vaultca/test"
)

func TestIsAcrossWrapping(t *testing.T) {
	err := SigningFailedError(nil, "backend refused digest")
	test.Assert(t, Is(err, SigningFailed), "Is didn't match a bare VaultCAError")
	test.Assert(t, !Is(err, MergeFailed), "Is matched the wrong type")

	wrapped := fmt.Errorf("issuing RootCA-01: %w", err)
	test.Assert(t, Is(wrapped, SigningFailed), "Is didn't see through fmt.Errorf wrapping")
	test.Assert(t, errors.Is(wrapped, SigningFailed), "errors.Is didn't match the ErrorType")
	test.AssertEquals(t, TypeOf(wrapped), SigningFailed)
	test.AssertEquals(t, TypeOf(errors.New("plain")), InternalServer)
}

func TestWrapKeepsCause(t *testing.T) {
	err := KeyOperationFailedError(context.Canceled, "awaiting key generation for %q", "RootCA-01")
	test.AssertErrorIs(t, err, context.Canceled)
	test.AssertErrorIs(t, err, KeyOperationFailed)
	test.AssertEquals(t, err.Error(), `awaiting key generation for "RootCA-01": context canceled`)

	var vErr *VaultCAError
	test.AssertErrorWraps(t, err, &vErr)
	test.AssertEquals(t, vErr.Type, KeyOperationFailed)
}

func TestErrorTypeNames(t *testing.T) {
	testCases := []struct {
		et   ErrorType
		name string
	}{
		{CSRInvalid, "csrInvalid"},
		{CSROperationFailed, "csrOperationFailed"},
		{CertificateBuildFailed, "certificateBuildFailed"},
		{AlreadyExists, "alreadyExists"},
		{ErrorType(99), "unknown(99)"},
	}
	for _, tc := range testCases {
		test.AssertEquals(t, tc.et.String(), tc.name)
	}
}
