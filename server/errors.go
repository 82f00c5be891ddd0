package main

import (
	"fmt"

	"github.com/pkg/errors"
)

type errorKind string

const (
	kindMalformed       errorKind = "malformed"
	kindUnauthenticated errorKind = "unauthenticated"
	kindUnknownUser     errorKind = "unknown user"
	kindForbidden       errorKind = "forbidden"
	kindStore           errorKind = "store"
)

// hubError is why a frame was dropped. None of them are reported to the
// client; the dispatcher only logs them.
type hubError struct {
	Kind  errorKind
	cause error
}

func (e *hubError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Cause lets errors.Cause reach the underlying failure.
func (e *hubError) Cause() error  { return e.cause }
func (e *hubError) Unwrap() error { return e.cause }

func newHubError(kind errorKind, msg string, cause error) error {
	if cause == nil {
		return &hubError{Kind: kind, cause: errors.New(msg)}
	}
	return &hubError{Kind: kind, cause: errors.WithMessage(cause, msg)}
}

// kindOf reports the drop reason for err, malformed when it carries none.
func kindOf(err error) errorKind {
	var he *hubError
	if errors.As(err, &he) {
		return he.Kind
	}
	return kindMalformed
}

func malformed(msg string, cause error) error {
	return newHubError(kindMalformed, msg, cause)
}

func unauthenticated(msg string) error {
	return newHubError(kindUnauthenticated, msg, nil)
}

func unknownUser(id uint64) error {
	return newHubError(kindUnknownUser, fmt.Sprintf("user %d", id), nil)
}

func forbidden(msg string) error {
	return newHubError(kindForbidden, msg, nil)
}

func storeFailure(op string, cause error) error {
	return newHubError(kindStore, op, cause)
}
