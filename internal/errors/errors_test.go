package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("quote: %w", Wrap(CodeStorageFailure, cause, "读取订单失败"))

	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failure should be retryable")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
}

func TestClassOf(t *testing.T) {
	const code Code = "TEST_POLICY_REJECTED"
	Register(code, Attributes{Message: "rejected", Severity: SeverityWarning, Class: ClassPermanent})

	cases := []struct {
		name string
		err  error
		want Class
	}{
		{name: "nil", err: nil, want: ClassUnclassified},
		{name: "plain error", err: stdErrors.New("eof"), want: ClassTransient},
		{name: "registered class", err: New(code, ""), want: ClassPermanent},
		{name: "override", err: New(code, "", WithClass(ClassInsufficientAuthorization)), want: ClassInsufficientAuthorization},
		{name: "retryable without class", err: New(CodeInitializationFailure, ""), want: ClassTransient},
		{name: "invalid argument", err: New(CodeInvalidArgument, ""), want: ClassUnclassified},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.err); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	err := New(Code("NOT_REGISTERED"), "")
	if err.Message() != AttributesOf(CodeUnknown).Message {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
}
