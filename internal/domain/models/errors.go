package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retry, skip and halt.
type ErrorKind string

const (
	KindTransientIO        ErrorKind = "transient_io"
	KindDataQuality        ErrorKind = "data_quality"
	KindExecutionConflict  ErrorKind = "execution_conflict"
	KindIntegrityViolation ErrorKind = "integrity_violation"
	KindConfiguration      ErrorKind = "configuration_error"
)

var (
	ErrSuppressed   = errors.New("signal confidence below suppression floor")
	ErrNotFound     = errors.New("not found")
	ErrNotEntitled  = errors.New("requester not entitled to tier")
	ErrUnknownOrder = errors.New("order state unknown at venue")
)

// Error is a classified failure. Market is empty for failures not scoped to one market.
type Error struct {
	Kind   ErrorKind
	Op     string
	Market string
	Err    error
}

func (e *Error) Error() string {
	if e.Market != "" {
		return fmt.Sprintf("%s [%s] market=%s: %v", e.Op, e.Kind, e.Market, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op, market string, err error) *Error {
	return &Error{Kind: kind, Op: op, Market: market, Err: err}
}

// Errorf builds a classified error with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
