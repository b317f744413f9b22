package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors used with errors.Is to classify failures
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrGateway        = errors.New("payment gateway error")
	ErrUpstreamSync   = errors.New("upstream sync failed")
)

// ValidationError describes missing or malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError is a shorthand for &ValidationError{...}
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError is returned when a user, subscription or plan cannot be found
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// NewNotFoundError is a shorthand for &NotFoundError{...}
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// GatewayError wraps a failed call to the payment processor. Message carries
// the provider's own explanation and is safe to surface to callers.
type GatewayError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s failed (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
}

// Is matches ErrGateway, and ErrNotFound when the provider reports a missing resource
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrGateway:
		return true
	case ErrNotFound:
		return e.Code == "resource_missing" || e.StatusCode == 404
	}
	return false
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// UpstreamSyncError is a failed call to the LMS. Background grants only log
// it; a manual enrollment returns it to the caller.
type UpstreamSyncError struct {
	Op  string
	Err error
}

func (e *UpstreamSyncError) Error() string {
	return fmt.Sprintf("lms %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamSyncError) Is(target error) bool {
	return target == ErrUpstreamSync
}

func (e *UpstreamSyncError) Unwrap() error {
	return e.Err
}

// AuthenticationError is returned when a webhook signature does not verify
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("cannot authenticate request: %v", e.Err)
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
