// Package validators checks command fields and reports every failure at
// once.
package validators

import (
	"errors"
	"strings"
)

// ErrValidation is matched by every error returned from Builder.Err.
var ErrValidation = errors.New("validation failed")

// ValidationCode classifies a validation result.
type ValidationCode string

const (
	ValidationCodeSuccess  ValidationCode = "success"
	ValidationCodeRequired ValidationCode = "required"
	ValidationCodeInvalid  ValidationCode = "invalid"
)

// ValidationResult is the outcome of one check of one field.
type ValidationResult struct {
	IsValid        bool           `json:"is_valid"`
	FieldName      string         `json:"field_name"`
	Message        string         `json:"message,omitempty"`
	ValidationCode ValidationCode `json:"validation_code"`
}

func valid(fieldName string) *ValidationResult {
	return &ValidationResult{IsValid: true, FieldName: fieldName, ValidationCode: ValidationCodeSuccess}
}

func invalid(fieldName string, code ValidationCode, message string) *ValidationResult {
	return &ValidationResult{FieldName: fieldName, ValidationCode: code, Message: message}
}

// Builder collects results in the order they were added.
type Builder struct {
	results []*ValidationResult
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add records a result.
func (b *Builder) Add(result *ValidationResult) *Builder {
	b.results = append(b.results, result)
	return b
}

// Failures returns the invalid results.
func (b *Builder) Failures() []*ValidationResult {
	var failures []*ValidationResult
	for _, r := range b.results {
		if !r.IsValid {
			failures = append(failures, r)
		}
	}
	return failures
}

// Err returns nil when every result is valid, otherwise an *Error.
func (b *Builder) Err() error {
	failures := b.Failures()
	if len(failures) == 0 {
		return nil
	}
	return &Error{Failures: failures}
}

// Error lists the failed checks.
type Error struct {
	Failures []*ValidationResult
}

func (e *Error) Error() string {
	messages := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		messages[i] = f.Message
	}
	return strings.Join(messages, " ")
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *Error) Is(target error) bool {
	return target == ErrValidation
}
