// Copyright 2026 The Halcyon OS Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
)

// Code is a stable error code carried on the wire. Codes never change
// meaning; new codes are appended.
type Code int

const (
	// CodeNone means no error.
	CodeNone Code = iota
	// CodeInvalidEmail: the provided email failed validation.
	CodeInvalidEmail
	// CodeSessionExists: the email already has an active session.
	CodeSessionExists
	// CodeNoSession: no session exists for the named user.
	CodeNoSession
	// CodeUnknownPID: the pid does not name the supervised browser.
	CodeUnknownPID
	// CodeIllegalPubkey: the public key is malformed or does not
	// correspond to a key the caller controls.
	CodeIllegalPubkey
	// CodeVerifyFail: a signature failed verification. Terminal for
	// the request; the daemon never retries verification.
	CodeVerifyFail
	// CodeNoOwnerKey: an operation required the owner key before one
	// was established.
	CodeNoOwnerKey
	// CodeNoUserKeystore: the user's keystore could not be opened.
	CodeNoUserKeystore
	// CodePolicyInitFail: a per-user policy service failed to
	// initialize.
	CodePolicyInitFail
	// CodeEncodeFail: response data could not be encoded.
	CodeEncodeFail
	// CodeDecodeFail: request data could not be decoded.
	CodeDecodeFail
	// CodeEmitFailed: a boot event could not be emitted.
	CodeEmitFailed
	// CodeAlreadySession: the operation is refused because a session
	// has started this boot.
	CodeAlreadySession
	// CodeIllegalService: the caller failed authentication.
	CodeIllegalService
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeInvalidEmail:
		return "InvalidEmail"
	case CodeSessionExists:
		return "SessionExists"
	case CodeNoSession:
		return "NoSession"
	case CodeUnknownPID:
		return "UnknownPid"
	case CodeIllegalPubkey:
		return "IllegalPubkey"
	case CodeVerifyFail:
		return "VerifyFail"
	case CodeNoOwnerKey:
		return "NoOwnerKey"
	case CodeNoUserKeystore:
		return "NoUserKeystore"
	case CodePolicyInitFail:
		return "PolicyInitFail"
	case CodeEncodeFail:
		return "EncodeFail"
	case CodeDecodeFail:
		return "DecodeFail"
	case CodeEmitFailed:
		return "EmitFailed"
	case CodeAlreadySession:
		return "AlreadySession"
	case CodeIllegalService:
		return "IllegalService"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// LoginError is a recoverable request error with a stable wire code.
// The daemon returns it to the caller and never retries.
type LoginError struct {
	Code    Code
	Message string
}

// Errorf constructs a LoginError with a formatted message.
func Errorf(code Code, format string, args ...any) *LoginError {
	return &LoginError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the wire code from err. Errors that are not
// LoginErrors map to CodeNone; callers treat that as an internal
// failure.
func CodeOf(err error) Code {
	var loginErr *LoginError
	if errors.As(err, &loginErr) {
		return loginErr.Code
	}
	return CodeNone
}
