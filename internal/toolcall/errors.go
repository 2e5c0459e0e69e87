package toolcall

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies why a tool call failed.
type Kind string

const (
	KindNone         Kind = ""
	KindTimeout      Kind = "timeout"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindPrecondition Kind = "precondition"
	KindCanceled     Kind = "canceled"
)

// Retryable reports whether another attempt against the same tool may succeed.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindTransient
}

// Error is returned by invokers that know why a call failed.
type Error struct {
	Kind    Kind
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable error for tool.
func Transient(tool, msg string) *Error {
	return &Error{Kind: KindTransient, Tool: tool, Message: msg}
}

// Permanent builds a non-retryable error for tool.
func Permanent(tool, msg string) *Error {
	return &Error{Kind: KindPermanent, Tool: tool, Message: msg}
}

// Classify maps an invocation error to a Kind. Errors that carry no
// classification are treated as permanent: they move on to a fallback tool
// instead of being retried blindly.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var te *Error
	if errors.As(err, &te) && te.Kind != KindNone {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}

	return KindPermanent
}
