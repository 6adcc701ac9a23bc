// Package unifierr defines the sentinel error classes used across the
// ingestion pipeline so supervisors can dispatch recovery behavior with
// errors.Is/errors.As instead of matching on wrapped strings.
package unifierr

import "errors"

// Class identifies which recovery policy an error belongs to.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfig
	ClassAuthFailed
	ClassCursorUnknown
	ClassTransient
	ClassProtocolViolation
	ClassStore
	ClassNotifyFailed
)

// Error wraps an underlying cause with a recovery Class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(c Class, op string, err error) *Error {
	return &Error{Class: c, Op: op, Err: err}
}

// ConfigError wraps a fatal startup configuration problem.
func ConfigError(op string, err error) error { return newErr(ClassConfig, op, err) }

// AuthFailed wraps a persistent 401/403 from the appliance.
func AuthFailed(op string, err error) error { return newErr(ClassAuthFailed, op, err) }

// CursorUnknown wraps a feed rejecting a resume cursor.
func CursorUnknown(op string, err error) error { return newErr(ClassCursorUnknown, op, err) }

// Transient wraps a recoverable network/remote error (5xx, timeout, disconnect).
func Transient(op string, err error) error { return newErr(ClassTransient, op, err) }

// ProtocolViolation wraps a malformed frame/header/JSON that forces a
// channel close and resync.
func ProtocolViolation(op string, err error) error { return newErr(ClassProtocolViolation, op, err) }

// StoreError wraps a database error.
func StoreError(op string, err error) error { return newErr(ClassStore, op, err) }

// NotifyFailed wraps a failed notification attempt, carrying the attempt count.
type NotifyFailedErr struct {
	Attempt int
	Err     error
}

func (e *NotifyFailedErr) Error() string { return e.Err.Error() }
func (e *NotifyFailedErr) Unwrap() error { return e.Err }

// NotifyFailed constructs a NotifyFailedErr for the given attempt count.
func NotifyFailed(attempt int, err error) error {
	return &NotifyFailedErr{Attempt: attempt, Err: err}
}

// ClassOf returns the recovery Class for err, or ClassUnknown if err does
// not carry one.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	var nf *NotifyFailedErr
	if errors.As(err, &nf) {
		return ClassNotifyFailed
	}
	return ClassUnknown
}

// Is reports whether err belongs to the given Class.
func Is(err error, c Class) bool {
	return ClassOf(err) == c
}
