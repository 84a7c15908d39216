package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryState, CodeBrokenInstall, "previous install is broken")
	expected := "[STATE:BROKEN_INSTALL]: previous install is broken"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithStepAndNode(t *testing.T) {
	cause := fmt.Errorf("exit status 1")
	err := Wrap(ErrCategoryInvocation, CodeNonZeroExit, "setup failed", cause).At("setup", 2)
	expected := "[INVOCATION:NON_ZERO_EXIT] setup (node 2): setup failed: exit status 1"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryInvocation, CodeSpawnFailed, "spawn", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := New(ErrCategoryAssertion, CodeModuleMissing, "first")
	err2 := New(ErrCategoryAssertion, CodeModuleMissing, "second")
	err3 := New(ErrCategoryAssertion, CodeVersionMismatch, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestError_AtDoesNotModifyOriginal(t *testing.T) {
	err := NewStateError(CodeBrokenInstall, "broken")
	located := err.At("install", 3)

	if located.Step != "install" || located.Node != 3 {
		t.Errorf("At should set step and node, got %q/%d", located.Step, located.Node)
	}
	if err.Step != "" || err.Node != 0 {
		t.Error("At should not modify original")
	}
	if GetStep(located) != "install" {
		t.Errorf("GetStep = %q", GetStep(located))
	}
	if GetNode(fmt.Errorf("wrapped: %w", located)) != 3 {
		t.Error("GetNode should see through wrapping")
	}
}

func TestGetCategory(t *testing.T) {
	err := NewAssertionError(CodeConfirmationMissing, "no phrase")
	if GetCategory(err) != ErrCategoryAssertion {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryAssertion)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-harness error should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewStateError(CodeConversionNotApplied, "default unchanged")
	if GetCode(err) != CodeConversionNotApplied {
		t.Errorf("got %q, want %q", GetCode(err), CodeConversionNotApplied)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-harness error should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := NewAssertionError(CodeModuleMissing, "missing")
	detailed := err.WithDetails(map[string]interface{}{"module": "spock"})
	more := detailed.WithDetails(map[string]interface{}{"node": 1})

	if detailed.Details["module"] != "spock" {
		t.Error("WithDetails should set details")
	}
	if more.Details["module"] != "spock" || more.Details["node"] != 1 {
		t.Error("WithDetails should merge existing details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestIsBestEffort(t *testing.T) {
	if !IsBestEffort(NewBestEffortError("remove backrest", fmt.Errorf("exit 1"))) {
		t.Error("best-effort error not recognised")
	}
	if IsBestEffort(NewStateError(CodeBrokenInstall, "broken")) {
		t.Error("state error must not be best-effort")
	}
	if IsBestEffort(nil) {
		t.Error("nil is not best-effort")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	i := NewInvocationError(CodeNonZeroExit, "exit 2", cause)
	if i.Category != ErrCategoryInvocation || !errors.Is(i, cause) {
		t.Error("NewInvocationError mismatch")
	}

	a := NewAssertionError(CodeSnowflakeInvariant, "dup")
	if a.Category != ErrCategoryAssertion {
		t.Error("NewAssertionError mismatch")
	}

	s := NewStateError(CodeModuleStillInstalled, "still there")
	if s.Category != ErrCategoryState {
		t.Error("NewStateError mismatch")
	}

	c := NewConfigError("nodes must be positive")
	if c.Category != ErrCategoryConfig || c.Code != CodeInvalidConfig {
		t.Error("NewConfigError mismatch")
	}

	in := NewInternalError("unexpected", cause)
	if in.Category != ErrCategoryInternal || in.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}

func TestLocate(t *testing.T) {
	if Locate(nil, "setup", 1) != nil {
		t.Fatal("Locate(nil) must be nil")
	}

	base := NewInvocationError(CodeNonZeroExit, "exit 1", nil)
	located := Locate(fmt.Errorf("ctx: %w", base), "setup", 2)
	if GetNode(located) != 2 || GetCode(located) != CodeNonZeroExit {
		t.Errorf("harness error not located: %v", located)
	}

	plain := fmt.Errorf("disk full")
	wrapped := Locate(plain, "stage", 0)
	if GetCategory(wrapped) != ErrCategoryInternal || !errors.Is(wrapped, plain) {
		t.Errorf("plain error should become internal and keep its cause: %v", wrapped)
	}
}
