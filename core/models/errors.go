package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution errors for retry and reporting decisions
type ErrorKind string

const (
	ErrKindValidation    ErrorKind = "validation"
	ErrKindUsageLimit    ErrorKind = "usage_limit_exceeded"
	ErrKindNoAWSAccount  ErrorKind = "no_aws_account_connected"
	ErrKindBuild         ErrorKind = "build"
	ErrKindQuota         ErrorKind = "quota_exceeded"
	ErrKindInfra         ErrorKind = "infra"
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindCancelled     ErrorKind = "cancelled"
	ErrKindClaimConflict ErrorKind = "claim_conflict"
	ErrKindTrust         ErrorKind = "cross_account_trust"
	ErrKindNotFound      ErrorKind = "not_found"
)

// ExecError is the error type surfaced by the router, adapters and scheduler.
// Stage names the lifecycle stage the error occurred in and ends up in
// Job.Result.ErrorStage.
type ExecError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// NewExecError builds an ExecError with a formatted message
func NewExecError(kind ErrorKind, stage, format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// WrapExecError wraps an underlying error with a kind and stage
func WrapExecError(kind ErrorKind, stage string, err error) *ExecError {
	return &ExecError{Kind: kind, Stage: stage, Message: "operation failed", Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to infra for unknown errors
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrKindInfra
}

// StageOf extracts the failure stage from err
func StageOf(err error) string {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Stage != "" {
		return ee.Stage
	}
	return "unknown"
}

// IsRetryable reports whether a failed attempt of this kind may be requeued.
// Claim conflicts are handled locally and never reach this path.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case ErrKindBuild, ErrKindInfra, ErrKindTimeout, ErrKindQuota:
		return true
	}
	return false
}
