// Package reqmod implements the bidirectional REQMOD streaming engine: it
// coordinates the client's request body, the ICAP connection, and the
// upstream origin connection as three concurrently-progressing byte
// streams, attributing every read/write failure or idle timeout to the
// stream that actually caused it.
package reqmod

import (
	"errors"
	"fmt"
)

// Sentinel errors with no per-occurrence detail. Use errors.Is against
// these, or the IsClientFault/IsICAPFault/IsUpstreamFault predicates below.
var (
	ErrHTTPClientReadFailed       = errors.New("reqmod: read from client body stream failed")
	ErrHTTPClientReadIdle         = errors.New("reqmod: idle quit waiting for client bytes with empty outbound buffer")
	ErrICAPServerWriteFailed      = errors.New("reqmod: write to icap server failed")
	ErrICAPServerWriteIdle        = errors.New("reqmod: idle quit while outbound buffer toward icap server holds data")
	ErrICAPServerReadFailed       = errors.New("reqmod: read from icap server failed")
	ErrICAPServerReadIdle         = errors.New("reqmod: idle quit awaiting icap body bytes with empty outbound buffer")
	ErrICAPServerConnectionClosed = errors.New("reqmod: icap server closed the connection before a response")
	ErrHTTPUpstreamWriteFailed    = errors.New("reqmod: write to upstream failed")
	ErrHTTPUpstreamWriteIdle      = errors.New("reqmod: idle quit while outbound buffer toward upstream holds data")
)

// invalidBodyError carries the mismatch detail for
// ErrInvalidHTTPBodyFromICAPServer.
type invalidBodyError struct {
	detail string
}

func (e *invalidBodyError) Error() string {
	return fmt.Sprintf("reqmod: invalid http body from icap server: %s", e.detail)
}

// sentinelInvalidBody lets errors.Is(err, ErrInvalidHTTPBodyFromICAPServer)
// match any invalidBodyError regardless of detail.
var sentinelInvalidBody = &invalidBodyError{}

func (e *invalidBodyError) Is(target error) bool {
	_, ok := target.(*invalidBodyError)
	return ok
}

// ErrInvalidHTTPBodyFromICAPServer is the sentinel to compare against with
// errors.Is; use NewInvalidHTTPBodyError to build one carrying detail.
var ErrInvalidHTTPBodyFromICAPServer error = sentinelInvalidBody

// NewInvalidHTTPBodyError builds an ErrInvalidHTTPBodyFromICAPServer
// occurrence carrying detail, e.g. "Content-Length is 0 but the ICAP
// server response contains http-body".
func NewInvalidHTTPBodyError(detail string) error {
	return &invalidBodyError{detail: detail}
}

// idleForceQuitError carries the operator-supplied reason for
// ErrIdleForceQuit.
type idleForceQuitError struct {
	reason string
}

func (e *idleForceQuitError) Error() string {
	return fmt.Sprintf("reqmod: idle force-quit: %s", e.reason)
}

var sentinelForceQuit = &idleForceQuitError{}

func (e *idleForceQuitError) Is(target error) bool {
	_, ok := target.(*idleForceQuitError)
	return ok
}

// ErrIdleForceQuit is the sentinel to compare against with errors.Is; use
// NewIdleForceQuitError to build one carrying the supervisor's reason.
var ErrIdleForceQuit error = sentinelForceQuit

// NewIdleForceQuitError builds an ErrIdleForceQuit occurrence carrying the
// idle supervisor's reason string.
func NewIdleForceQuitError(reason string) error {
	return &idleForceQuitError{reason: reason}
}

// wrapErr joins a sentinel with the underlying I/O error that triggered
// it, so callers can both errors.Is the sentinel and inspect the cause.
func wrapErr(sentinel, underlying error) error {
	if underlying == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %v", sentinel, underlying)
}

// IsClientFault reports whether err should be attributed to the HTTP
// client side of the adaptation (bad or idle request body).
func IsClientFault(err error) bool {
	return errors.Is(err, ErrHTTPClientReadFailed) || errors.Is(err, ErrHTTPClientReadIdle)
}

// IsICAPFault reports whether err should be attributed to the ICAP server
// side of the adaptation.
func IsICAPFault(err error) bool {
	switch {
	case errors.Is(err, ErrICAPServerWriteFailed),
		errors.Is(err, ErrICAPServerWriteIdle),
		errors.Is(err, ErrICAPServerReadFailed),
		errors.Is(err, ErrICAPServerReadIdle),
		errors.Is(err, ErrICAPServerConnectionClosed),
		errors.Is(err, ErrInvalidHTTPBodyFromICAPServer):
		return true
	default:
		return false
	}
}

// IsUpstreamFault reports whether err should be attributed to the
// upstream origin connection.
func IsUpstreamFault(err error) bool {
	return errors.Is(err, ErrHTTPUpstreamWriteFailed) || errors.Is(err, ErrHTTPUpstreamWriteIdle)
}
