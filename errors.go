// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import "fmt"

// errNameUnknownChannel is the name reported for calls whose target channel
// was never registered before the pending timeout elapsed.
const errNameUnknownChannel = "Unknown channel"

// WireError is the structured form of an error propagated from a remote
// service handler. Errors reported by a handler are encoded on the wire as
// name, message, and an optional stack, and reconstructed on the calling
// side as a *WireError.
type WireError struct {
	Name    string   `json:"name"`
	Message string   `json:"message"`
	Stack   []string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// IsUnknownChannel reports whether err is a [*WireError] reporting that the
// target channel was not registered before the pending timeout elapsed.
func IsUnknownChannel(err error) bool {
	we, ok := err.(*WireError)
	return ok && we.Name == errNameUnknownChannel
}

// wireError converts an error reported by a service handler into its wire
// form. A *WireError passes through; anything else keeps its message with a
// generic name.
func wireError(err error) *WireError {
	if we, ok := err.(*WireError); ok {
		return we
	}
	return &WireError{Name: "Error", Message: err.Error()}
}

// PayloadError carries an arbitrary non-error value reported by a remote
// service handler in place of a structured error. A service handler may
// return a *PayloadError to deliver Value to the caller verbatim; the
// caller receives the rejection as a *PayloadError.
type PayloadError struct {
	Value Value
}

// Error implements the error interface.
func (e *PayloadError) Error() string { return fmt.Sprintf("service error: %s", renderValue(e.Value)) }
