package serving

import (
	"context"
	"errors"

	"github.com/onkernel/classifyd/lib/classifier"
)

var (
	// ErrBadRequest is returned for missing payloads, empty batches and other
	// malformed input at the transport boundary
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound is returned when a referenced upload is absent or consumed
	ErrNotFound = errors.New("not found")

	// ErrUpstream is returned when the gateway cannot reach the model executor
	ErrUpstream = errors.New("upstream failure")

	// ErrInternal is returned for any other unexpected failure
	ErrInternal = errors.New("internal error")
)

// Code is the transport-neutral error class adapters translate into their own
// failure responses.
type Code int

const (
	CodeOK Code = iota
	CodeBadRequest
	CodeNotFound
	CodeUpstream
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadRequest:
		return "bad_request"
	case CodeNotFound:
		return "not_found"
	case CodeUpstream:
		return "upstream_failure"
	default:
		return "internal_error"
	}
}

// CodeOf classifies err. Engine input errors are treated as bad requests.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrBadRequest), errors.Is(err, classifier.ErrInvalidInput):
		return CodeBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUpstream):
		return CodeUpstream
	default:
		return CodeInternal
	}
}

// PublicMessage returns the message safe to show a caller. Internal failures
// never expose their cause.
func PublicMessage(err error) string {
	switch CodeOf(err) {
	case CodeInternal:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "request canceled"
		}
		return "internal error"
	default:
		return err.Error()
	}
}
