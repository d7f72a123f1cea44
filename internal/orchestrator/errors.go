package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tenantfleet/internal/circuitbreaker"
)

// Kind classifies a failed platform call.
type Kind int

const (
	// KindRetryable failures (network, timeout, transient 5xx) are safe to retry.
	KindRetryable Kind = iota + 1
	// KindFatal failures are platform rejections (quota, invalid, forbidden).
	KindFatal
	// KindNotFound means the target resource does not exist.
	KindNotFound
	// KindAlreadyExists means a resource with the name exists and is owned
	// by someone else. Failure.Owner carries the foreign owner, if any.
	KindAlreadyExists
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Common failure codes.
const (
	CodeTimeout         = "timeout"
	CodeUnavailable     = "platform_unavailable"
	CodeCircuitOpen     = "circuit_open"
	CodeQuotaExceeded   = "quota_exceeded"
	CodeInvalidRequest  = "invalid_request"
	CodePermission      = "permission_denied"
	CodeNotFound        = "not_found"
	CodeAlreadyExists   = "already_exists"
	CodeUnhealthy       = "health_check_failed"
	CodeUnclassified    = "unclassified"
	CodeRateLimited     = "rate_limited"
	CodeInternalFailure = "platform_error"
)

// Failure is the only error type platform calls return. Raw platform
// messages stay inside Err and are never shown to API callers.
type Failure struct {
	Op    string
	Kind  Kind
	Code  string
	Owner string // set for KindAlreadyExists
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", f.Op, f.Kind, f.Code, f.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Op, f.Kind, f.Code)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable builds a retryable failure.
func Retryable(op, code string, err error) *Failure {
	return &Failure{Op: op, Kind: KindRetryable, Code: code, Err: err}
}

// Fatal builds a fatal failure.
func Fatal(op, code string, err error) *Failure {
	return &Failure{Op: op, Kind: KindFatal, Code: code, Err: err}
}

// NotFound builds a not-found failure.
func NotFound(op, target string) *Failure {
	return &Failure{Op: op, Kind: KindNotFound, Code: CodeNotFound, Err: fmt.Errorf("%s not found", target)}
}

// AlreadyExists builds a failure for a name held by another owner.
func AlreadyExists(op, target, owner string) *Failure {
	return &Failure{
		Op:    op,
		Kind:  KindAlreadyExists,
		Code:  CodeAlreadyExists,
		Owner: owner,
		Err:   fmt.Errorf("%s already exists (owner %q)", target, owner),
	}
}

// Classify returns err as a *Failure. Deadline and circuit errors become
// retryable; anything unrecognised is retryable with CodeUnclassified so
// the driver's bounded retry decides.
func Classify(op string, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable(op, CodeTimeout, err)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return Retryable(op, CodeCircuitOpen, err)
	default:
		return Retryable(op, CodeUnclassified, err)
	}
}

// KindOf returns the Kind of err, or zero for nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindRetryable
}

// IsRetryable reports whether err is a retryable failure.
func IsRetryable(err error) bool { return err != nil && KindOf(err) == KindRetryable }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// CodeOf returns the failure code of err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeUnclassified
}
