package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code is the stable identifier of a turn failure.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeAgentNotFound     Code = "AGENT_NOT_FOUND"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeAgentInvalid      Code = "AGENT_INVALID"
	CodeSessionTerminated Code = "SESSION_TERMINATED"
	CodeLockTimeout       Code = "LOCK_TIMEOUT"
	CodeLockFailed        Code = "LOCK_FAILED"
	CodeAborted           Code = "ABORTED"
	CodePersistFailed     Code = "PERSIST_FAILED"
	CodeContextOverflow   Code = "CONTEXT_OVERFLOW"
	CodeLLMError          Code = "LLM_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

var codeStatus = map[Code]int{
	CodeValidation:        400,
	CodeAgentNotFound:     404,
	CodeSessionNotFound:   404,
	CodeAgentInvalid:      400,
	CodeSessionTerminated: 410,
	CodeLockTimeout:       503,
	CodeLockFailed:        500,
	CodeAborted:           499,
	CodePersistFailed:     500,
	CodeContextOverflow:   413,
	CodeLLMError:          502,
	CodeInternal:          500,
}

// Status returns the HTTP-style status for the code.
func (c Code) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return 500
}

// Recoverable reports whether the caller may retry the same request as is.
func (c Code) Recoverable() bool {
	return c == CodeLockTimeout
}

// TurnError is a failed turn. Stage is the pipeline stage that failed.
type TurnError struct {
	Code  Code
	Stage Stage
	Err   error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Code, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Code, e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Status returns the HTTP-style status for the error's code.
func (e *TurnError) Status() int { return e.Code.Status() }

func turnErr(code Code, stage Stage, err error) *TurnError {
	return &TurnError{Code: code, Stage: stage, Err: err}
}

// CodeOf returns the code of err, or INTERNAL_ERROR when err is not a
// TurnError.
func CodeOf(err error) Code {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// ErrorClass categorizes LLM errors.
type ErrorClass string

// Provider failure classes. Failover retries RATE_LIMIT and TIMEOUT on the
// same provider and moves on for the rest.
const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// errorSignatures is checked in order against the lowercased message; the
// first class with a matching fragment wins.
var errorSignatures = []struct {
	class     ErrorClass
	fragments []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "permission denied"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted", "overloaded"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window", "prompt is too long"}},
}

// ClassifyError sorts a provider error into an ErrorClass by its message.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range errorSignatures {
		for _, f := range sig.fragments {
			if strings.Contains(msg, f) {
				return sig.class
			}
		}
	}
	return ErrorClassUnknown
}

// codeForLLM maps an LLM failure to a turn code. Cancellation by the caller
// is an abort, a provider-reported overflow keeps its own code.
func codeForLLM(ctx context.Context, err error) Code {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return CodeAborted
	}
	if ClassifyError(err) == ErrorClassContextOverflow {
		return CodeContextOverflow
	}
	return CodeLLMError
}
