package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := map[string]ErrorClass{
		"googleai: HTTP 401: API key not valid":                         ErrorClassAuth,
		"anthropic: permission denied for model":                        ErrorClassAuth,
		"openai: 429 Too Many Requests":                                 ErrorClassRateLimit,
		"googleai: RESOURCE_EXHAUSTED: quota exceeded":                  ErrorClassRateLimit,
		"anthropic: overloaded_error":                                   ErrorClassRateLimit,
		"Post \"https://api.openai.com\": net/http: request timeout":    ErrorClassTimeout,
		"dial tcp: connection timed out":                                ErrorClassTimeout,
		"anthropic: your credit balance is too low":                     ErrorClassBilling,
		"openai: payment required":                                      ErrorClassBilling,
		"openai: context_length_exceeded: 131072 tokens":                ErrorClassContextOverflow,
		"anthropic: prompt is too long: 210000 tokens > 200000 maximum": ErrorClassContextOverflow,
		"input exceeds context window":                                  ErrorClassContextOverflow,
		"500 internal server error":                                     ErrorClassUnknown,
		"unexpected EOF":                                                ErrorClassUnknown,
		"HTTP 401 after 429 retries, unauthorized":                      ErrorClassAuth,
	}
	for msg, want := range cases {
		if got := ClassifyError(errors.New(msg)); got != want {
			t.Errorf("ClassifyError(%q) = %s, want %s", msg, got, want)
		}
	}
	if got := ClassifyError(nil); got != ErrorClassUnknown {
		t.Errorf("ClassifyError(nil) = %s", got)
	}
	if got := ClassifyError(fmt.Errorf("generate: %w", context.DeadlineExceeded)); got != ErrorClassTimeout {
		t.Errorf("wrapped deadline = %s, want TIMEOUT", got)
	}
}

func TestCode_StatusAndRecoverable(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        400,
		CodeAgentNotFound:     404,
		CodeSessionNotFound:   404,
		CodeSessionTerminated: 410,
		CodeLockTimeout:       503,
		CodeAborted:           499,
		CodeContextOverflow:   413,
		CodeLLMError:          502,
		Code("SOMETHING_NEW"): 500,
	}
	for code, want := range cases {
		if got := code.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", code, got, want)
		}
	}
	if !CodeLockTimeout.Recoverable() {
		t.Fatal("LOCK_TIMEOUT should be recoverable")
	}
	if CodeLLMError.Recoverable() || CodeValidation.Recoverable() {
		t.Fatal("only LOCK_TIMEOUT is recoverable")
	}
}

func TestTurnError_WrapsAndReportsCode(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("wrapped: %w", turnErr(CodePersistFailed, StagePersist, base))
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if got := CodeOf(err); got != CodePersistFailed {
		t.Fatalf("CodeOf = %s, want PERSIST_FAILED", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Fatalf("CodeOf(plain) = %s, want INTERNAL_ERROR", got)
	}
	var te *TurnError
	if !errors.As(err, &te) || te.Stage != StagePersist || te.Status() != 500 {
		t.Fatalf("unexpected turn error: %+v", te)
	}
}

func TestCodeForLLM(t *testing.T) {
	ctx := context.Background()
	if got := codeForLLM(ctx, errors.New("HTTP 500")); got != CodeLLMError {
		t.Fatalf("got %s, want LLM_ERROR", got)
	}
	if got := codeForLLM(ctx, errors.New("input exceeds context window")); got != CodeContextOverflow {
		t.Fatalf("got %s, want CONTEXT_OVERFLOW", got)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if got := codeForLLM(cctx, errors.New("request failed")); got != CodeAborted {
		t.Fatalf("got %s, want ABORTED", got)
	}
	if got := codeForLLM(ctx, fmt.Errorf("generate: %w", context.Canceled)); got != CodeAborted {
		t.Fatalf("got %s, want ABORTED", got)
	}
}
