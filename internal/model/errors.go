package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrAuthDenied = errors.New("unauthorized")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage failure")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
