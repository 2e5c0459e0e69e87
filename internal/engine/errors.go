package engine

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Handle after Close.
var ErrClosed = errors.New("engine closed")

// UnrecognizedRequestError is returned when a request matches no intent.
type UnrecognizedRequestError struct {
	Text string
}

func (e *UnrecognizedRequestError) Error() string {
	return fmt.Sprintf("unrecognized request %q", e.Text)
}
