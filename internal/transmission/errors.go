package transmission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rezonia/fiscal-gateway/internal/model"
	"github.com/rezonia/fiscal-gateway/internal/signature"
)

// FailureKind tells callers what to do with a failed exchange.
type FailureKind string

const (
	// KindNone marks a successful exchange.
	KindNone FailureKind = ""
	// KindTransient failures are retried with backoff.
	KindTransient FailureKind = "transient"
	// KindPermanent failures are business rejections surfaced to the operator.
	KindPermanent FailureKind = "permanent"
	// KindFatal failures need operator intervention (credential, configuration).
	KindFatal FailureKind = "fatal"
	// KindValidation failures are malformed input rejected before any exchange.
	KindValidation FailureKind = "validation"
)

// Failure is the error returned for every unsuccessful exchange.
type Failure struct {
	Kind   FailureKind
	Code   string
	Reason string
	Cause  error
	// Result is the parsed authority answer when one was received.
	Result *Result
}

func (f *Failure) Error() string {
	switch {
	case f.Code != "" && f.Cause != nil:
		return fmt.Sprintf("%s failure [%s] %s: %v", f.Kind, f.Code, f.Reason, f.Cause)
	case f.Code != "":
		return fmt.Sprintf("%s failure [%s] %s", f.Kind, f.Code, f.Reason)
	case f.Cause != nil:
		return fmt.Sprintf("%s failure: %s: %v", f.Kind, f.Reason, f.Cause)
	}
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Retryable reports whether the failure may succeed on resubmission.
func (f *Failure) Retryable() bool {
	return f.Kind == KindTransient
}

// Transient builds a transient failure.
func Transient(reason string, cause error) *Failure {
	return &Failure{Kind: KindTransient, Reason: reason, Cause: cause}
}

// Permanent builds a business rejection.
func Permanent(code, reason string) *Failure {
	return &Failure{Kind: KindPermanent, Code: code, Reason: reason}
}

// Fatal builds a failure that needs operator intervention.
func Fatal(reason string, cause error) *Failure {
	return &Failure{Kind: KindFatal, Reason: reason, Cause: cause}
}

// KindOf classifies any error returned along the submission path.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if model.IsValidation(err) {
		return KindValidation
	}
	if signature.IsCredentialError(err) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}

// ReasonOf returns the failure reason text, or the error string.
func ReasonOf(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		if f.Code != "" {
			return f.Code + " " + f.Reason
		}
		return f.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
