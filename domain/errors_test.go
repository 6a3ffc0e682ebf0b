package domain

import (
	"errors"
	"testing"
)

func TestValidationErrorWrapsSentinel(t *testing.T) {
	err := NewValidationError("question", "", ErrValidation)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected errors.Is to unwrap to ErrValidation, got %v", err)
	}
	if err.Field != "question" {
		t.Fatalf("expected field %q, got %q", "question", err.Field)
	}
}

func TestValidationErrorDefaultsWrapped(t *testing.T) {
	err := NewValidationError("question", "bad", nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected nil wrapped to default to ErrValidation, got %v", err)
	}
}

func TestValidationErrorMessageIncludesValue(t *testing.T) {
	err := NewValidationError("question", "garbled input", ErrMalformed)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
}
