package selector

import (
	"fmt"
	"strings"
)

// NoCapableToolError is returned when no registered tool advertises a
// required capability.
type NoCapableToolError struct {
	Capability string
}

func (e *NoCapableToolError) Error() string {
	return fmt.Sprintf("no tool provides capability %q", e.Capability)
}

// IncompatibleToolChainError is returned when tools selected for a
// producer/consumer edge cannot exchange data.
type IncompatibleToolChainError struct {
	Producer string
	Consumer string
	Tools    []string
	Reason   string
}

func (e *IncompatibleToolChainError) Error() string {
	return fmt.Sprintf("incompatible tool chain %s -> %s [%s]: %s",
		e.Producer, e.Consumer, strings.Join(e.Tools, ", "), e.Reason)
}
