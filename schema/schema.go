// Package schema is the injectable validation contract used at flow
// input and output boundaries: validate(contract, value) either returns
// the (possibly normalized) value or fails with a ValidationError.
package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Schema validates a value against a contract.
type Schema interface {
	Validate(value any) (any, error)
}

// ValidationError reports a contract violation.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

type anySchema struct{}

func (anySchema) Validate(value any) (any, error) { return value, nil }

// Any accepts every value.
func Any() Schema { return anySchema{} }

type funcSchema struct {
	fn func(any) (any, error)
}

func (s funcSchema) Validate(value any) (any, error) {
	v, err := s.fn(value)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, &ValidationError{Message: "custom check", Err: err}
	}
	return v, nil
}

// Func wraps a custom validation function.
func Func(fn func(any) (any, error)) Schema { return funcSchema{fn: fn} }

type structSchema[T any] struct{}

func (structSchema[T]) Validate(value any) (any, error) {
	typed, ok := value.(T)
	if !ok {
		var zero T
		return nil, &ValidationError{Message: fmt.Sprintf("expected %T, got %T", zero, value)}
	}
	if err := validate.Struct(typed); err != nil {
		return nil, &ValidationError{Message: "struct constraints", Err: err}
	}
	return typed, nil
}

// Struct validates that the value is a T and satisfies T's `validate`
// struct tags.
func Struct[T any]() Schema { return structSchema[T]{} }

type varSchema[T any] struct {
	tag string
}

func (s varSchema[T]) Validate(value any) (any, error) {
	typed, ok := value.(T)
	if !ok {
		var zero T
		return nil, &ValidationError{Message: fmt.Sprintf("expected %T, got %T", zero, value)}
	}
	if err := validate.Var(typed, s.tag); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("constraint %q", s.tag), Err: err}
	}
	return typed, nil
}

// Var validates that the value is a T satisfying a single validator
// constraint expression, e.g. Var[int]("gte=0").
func Var[T any](tag string) Schema { return varSchema[T]{tag: tag} }

// Typed validates only that the value is a T.
func Typed[T any]() Schema {
	return Func(func(value any) (any, error) {
		typed, ok := value.(T)
		if !ok {
			var zero T
			return nil, &ValidationError{Message: fmt.Sprintf("expected %T, got %T", zero, value)}
		}
		return typed, nil
	})
}
