package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCategoryAndMetadata(t *testing.T) {
	err := New(
		"escrow-9f2c",
		CodePriceTooLow,
		WithMessage("taker price below maker minimum"),
		WithMetadata(map[string]string{
			"taker_price": "1.95",
			"maker_price": "2",
		}),
		WithField("taker", "taker.alpha"),
		WithCause(errors.New("fill rejected")),
	)

	out := err.Error()
	if !strings.Contains(out, "escrow=escrow-9f2c") {
		t.Fatalf("expected escrow marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=price_too_low") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "category=rejected_input") {
		t.Fatalf("expected category classification in error string: %s", out)
	}
	expectedMeta := "meta=maker_price=\"2\",taker=\"taker.alpha\",taker_price=\"1.95\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"fill rejected\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		code Code
		want Category
	}{
		{CodeMismatchedParams, CategoryRejectedInput},
		{CodeWrongAsset, CategoryRejectedInput},
		{CodePriceTooLow, CategoryRejectedInput},
		{CodeExcessiveFees, CategoryRejectedInput},
		{CodeUnauthorized, CategoryPolicy},
		{CodePartialFillsNotAllowed, CategoryPolicy},
		{CodeClosed, CategoryPolicy},
		{CodeDeadlineExpired, CategoryPolicy},
		{CodeOverflow, CategoryArithmetic},
		{CodeInsufficientAmount, CategoryArithmetic},
		{CodeUnavailable, CategoryTransfer},
	}
	for _, tc := range cases {
		if got := Categorize(tc.code); got != tc.want {
			t.Errorf("Categorize(%s) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestCodeOfUnwrapsWrappedErrors(t *testing.T) {
	inner := New("escrow-1", CodeOverflow)
	wrapped := fmt.Errorf("debit failed: %w", inner)

	if got := CodeOf(wrapped); got != CodeOverflow {
		t.Fatalf("expected overflow code through wrapping, got %q", got)
	}
	if !IsCode(wrapped, CodeOverflow) {
		t.Fatal("expected IsCode to match through wrapping")
	}
	if IsCode(errors.New("plain"), CodeOverflow) {
		t.Fatal("plain errors should not match any code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestWithCategoryOverride(t *testing.T) {
	err := New("escrow-1", CodeInvalid, WithCategory(CategoryPolicy))
	if err.Category != CategoryPolicy {
		t.Fatalf("expected category override, got %q", err.Category)
	}
}
