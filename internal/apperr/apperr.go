// Package apperr defines the error taxonomy shared by the reconciliation
// engine, the record store clients and the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation = errors.New("validation_error")
	ErrNetwork    = errors.New("network_error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not_found")
)

// ValidationError reports a rejected input such as a non-positive amount
// or a missing required field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
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

// NetworkError wraps a transport or remote failure.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": network failure"
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// ConflictError is returned when a mutation races another one on the same
// entity or when the remote reports a stale write.
type ConflictError struct {
	EntityID string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("conflict on %s", e.EntityID)
	}
	return fmt.Sprintf("conflict on %s: %s", e.EntityID, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NotFoundError reports a quote, payment, document or project that no
// longer exists.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func Validation(field, code, message string) error {
	return &ValidationError{Field: field, Code: code, Message: message}
}

func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

func Conflict(entityID, reason string) error {
	return &ConflictError{EntityID: entityID, Reason: reason}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// Kind classifies err into one of the taxonomy names, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	default:
		return "internal"
	}
}

// Message renders a human-readable failure reason for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	var nfErr *NotFoundError
	if errors.As(err, &nfErr) {
		return nfErr.Error()
	}
	var cErr *ConflictError
	if errors.As(err, &cErr) {
		return "another change to " + cErr.EntityID + " is still in progress"
	}
	if errors.Is(err, ErrNetwork) {
		return "the server could not be reached, changes were reverted"
	}
	return strings.ReplaceAll(err.Error(), "_", " ")
}
