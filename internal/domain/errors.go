package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the cache can surface.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindEmbedding      ErrorKind = "embedding"
	KindSearch         ErrorKind = "search"
	KindGeneration     ErrorKind = "generation"
	KindStore          ErrorKind = "store"
	KindNotFound       ErrorKind = "not_found"
	KindUnknownOutcome ErrorKind = "unknown_outcome"
)

var (
	// ErrEmptyPrompt is returned when the prompt is missing or blank.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrZeroVector is returned for embeddings with zero magnitude.
	ErrZeroVector = errors.New("embedding has zero magnitude")
	// ErrDuplicateID is returned when an index entry already exists.
	ErrDuplicateID = errors.New("duplicate index id")
	// ErrRecordNotFound is returned when a record id is unknown.
	ErrRecordNotFound = errors.New("record not found")
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind      ErrorKind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind. An err that already carries a kind keeps
// its retry flag.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Retryable: IsRetryable(err)}
}

// NewRetryableError wraps err with a kind and marks it safe to retry.
func NewRetryableError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Retryable: true}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err was marked transient by the component that
// produced it.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
