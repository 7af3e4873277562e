package signature

import (
	"errors"
	"fmt"
)

// Error codes for signing and verification
const (
	ErrCodeNoSignature       = "NO_SIGNATURE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeElementNotFound   = "ELEMENT_NOT_FOUND"
	ErrCodeSigningFailed     = "SIGNING_FAILED"
	ErrCodeMalformedDocument = "MALFORMED_DOCUMENT"
	ErrCodeChainInvalid      = "CHAIN_INVALID"
	ErrCodeOCSPUnavailable   = "OCSP_UNAVAILABLE"
)

// Credential error codes. Every one of them requires operator intervention.
const (
	ErrCodeCertExpired     = "CERT_EXPIRED"
	ErrCodeCertNotYetValid = "CERT_NOT_YET_VALID"
	ErrCodeCertUnreadable  = "CERT_UNREADABLE"
	ErrCodeKeyMismatch     = "KEY_MISMATCH"
	ErrCodeCertRevoked     = "CERT_REVOKED"
	ErrCodeNoCredential    = "NO_CREDENTIAL"
)

// SignatureError represents signing and verification errors
type SignatureError struct {
	Code    string
	Field   string
	Message string
	Cause   error
}

func (e *SignatureError) Error() string {
	if e.Field != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Field, e.Message, e.Cause)
	}
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SignatureError) Unwrap() error {
	return e.Cause
}

// NewSignatureError creates a new signature error
func NewSignatureError(code, field, message string, cause error) *SignatureError {
	return &SignatureError{
		Code:    code,
		Field:   field,
		Message: message,
		Cause:   cause,
	}
}

// CredentialError reports a signing credential that cannot be used. It is
// fatal: retrying does not help until the credential is replaced.
type CredentialError struct {
	Code    string
	Subject string
	Message string
	Cause   error
}

func (e *CredentialError) Error() string {
	if e.Subject != "" && e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Code, e.Subject, e.Message, e.Cause)
	}
	if e.Subject != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Subject, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// IsCredentialError reports whether err wraps a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

// Common error constructors

// ErrNoSignature returns error when no signature found in document
func ErrNoSignature() *SignatureError {
	return NewSignatureError(ErrCodeNoSignature, "", "no signature found in document", nil)
}

// ErrInvalidSignature returns error when signature validation fails
func ErrInvalidSignature(cause error) *SignatureError {
	return NewSignatureError(ErrCodeInvalidSignature, "signature", "signature validation failed", cause)
}

// ErrElementNotFound returns error when the element to sign is absent
func ErrElementNotFound(id string) *SignatureError {
	return NewSignatureError(ErrCodeElementNotFound, "Id", fmt.Sprintf("no element with Id %q", id), nil)
}

// ErrMalformedDocument returns error when the payload is not well-formed XML
func ErrMalformedDocument(cause error) *SignatureError {
	return NewSignatureError(ErrCodeMalformedDocument, "", "document is not well-formed XML", cause)
}

// ErrSigningFailed returns error when the signature cannot be computed
func ErrSigningFailed(cause error) *SignatureError {
	return NewSignatureError(ErrCodeSigningFailed, "signature", "signature could not be computed", cause)
}

// ErrChainInvalid returns error when certificate chain is invalid
func ErrChainInvalid(cause error) *SignatureError {
	return NewSignatureError(ErrCodeChainInvalid, "chain", "certificate chain validation failed", cause)
}

// ErrOCSPUnavailable returns error when OCSP check fails
func ErrOCSPUnavailable(cause error) *SignatureError {
	return NewSignatureError(ErrCodeOCSPUnavailable, "ocsp", "OCSP check unavailable", cause)
}

// ErrCertExpired returns error when certificate has expired
func ErrCertExpired(subject string) *CredentialError {
	return &CredentialError{Code: ErrCodeCertExpired, Subject: subject, Message: "certificate expired"}
}

// ErrCertNotYetValid returns error when certificate is not yet valid
func ErrCertNotYetValid(subject string) *CredentialError {
	return &CredentialError{Code: ErrCodeCertNotYetValid, Subject: subject, Message: "certificate not yet valid"}
}

// ErrCertRevoked returns error when certificate has been revoked
func ErrCertRevoked(subject string) *CredentialError {
	return &CredentialError{Code: ErrCodeCertRevoked, Subject: subject, Message: "certificate revoked"}
}

// ErrCertUnreadable returns error when the credential file cannot be decoded
func ErrCertUnreadable(cause error) *CredentialError {
	return &CredentialError{Code: ErrCodeCertUnreadable, Message: "credential could not be read", Cause: cause}
}

// ErrKeyMismatch returns error when the private key does not match the certificate
func ErrKeyMismatch(cause error) *CredentialError {
	return &CredentialError{Code: ErrCodeKeyMismatch, Message: "private key does not match certificate", Cause: cause}
}

// ErrNoCredential returns error when no credential has been loaded
func ErrNoCredential() *CredentialError {
	return &CredentialError{Code: ErrCodeNoCredential, Message: "no signing credential loaded"}
}
