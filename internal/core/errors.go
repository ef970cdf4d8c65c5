package core

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below wrap them so callers can use errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrNotFound           = errors.New("not found")
	ErrConflictState      = errors.New("invalid conflict state")
	ErrCrossSpreadsheet   = errors.New("cross-spreadsheet comparison")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrTooManyIngests is returned when all ingest slots are occupied and the
// wait timeout expires. Clients should retry after a short delay.
var ErrTooManyIngests = errors.New("too many concurrent version uploads, please try again later")

// ValidationError rejects a request before any storage mutation.
type ValidationError struct {
	Field   string
	Message string
	Kind    error // ErrValidation, ErrPayloadTooLarge or ErrUnsupportedFormat
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.kind(), e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.kind(), e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.kind() }

// Is makes every validation kind match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) kind() error {
	if e.Kind == nil {
		return ErrValidation
	}
	return e.Kind
}

// NewValidationError builds a plain validation error for a field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PayloadTooLarge reports a payload above the configured ceiling.
func PayloadTooLarge(size, limit int64) error {
	return &ValidationError{
		Field:   "payload",
		Message: fmt.Sprintf("%d bytes exceeds the %d byte limit", size, limit),
		Kind:    ErrPayloadTooLarge,
	}
}

// UnsupportedFormat reports a payload that cannot be parsed into a rectangular grid.
func UnsupportedFormat(format string, args ...any) error {
	return &ValidationError{
		Field:   "payload",
		Message: fmt.Sprintf(format, args...),
		Kind:    ErrUnsupportedFormat,
	}
}

// NotFoundError reports an unknown version, spreadsheet, content hash,
// merge request or conflict.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictStateError rejects an operation that is illegal in the current
// state of a conflict or merge request. Nothing is mutated.
type ConflictStateError struct {
	Resource string
	ID       string
	State    string
	Message  string
}

func (e *ConflictStateError) Error() string {
	return fmt.Sprintf("%s %q is %s: %s", e.Resource, e.ID, e.State, e.Message)
}

func (e *ConflictStateError) Unwrap() error { return ErrConflictState }

// CrossSpreadsheetError rejects diffing or merging versions of different spreadsheets.
type CrossSpreadsheetError struct {
	VersionA     string
	SpreadsheetA string
	VersionB     string
	SpreadsheetB string
}

func (e *CrossSpreadsheetError) Error() string {
	return fmt.Sprintf("cross-spreadsheet comparison: version %s belongs to %s, version %s belongs to %s",
		e.VersionA, e.SpreadsheetA, e.VersionB, e.SpreadsheetB)
}

func (e *CrossSpreadsheetError) Unwrap() error { return ErrCrossSpreadsheet }

// StorageUnavailableError wraps a transient backing-store failure.
// The caller may retry; the operation is safe to repeat.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *StorageUnavailableError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// Unavailable wraps err as a StorageUnavailableError unless it already is one
// or is one of the domain errors that must pass through unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) || errors.Is(err, ErrConflictState) ||
		errors.Is(err, ErrCrossSpreadsheet) {
		return err
	}
	return &StorageUnavailableError{Op: op, Err: err}
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrTooManyIngests)
}
