package core

import (
	"errors"
	"fmt"
)

var (
	// Transport-fatal.
	ErrAuthFailure = errors.New("authentication failed")

	// Transport-transient.
	ErrUnreachable     = errors.New("endpoint unreachable")
	ErrInvalidSequence = errors.New("invalid resume sequence")
	ErrBackpressure    = errors.New("backpressure")
	ErrNotConnected    = errors.New("not connected")

	// Negotiation.
	ErrProduceTimeout  = errors.New("produce timed out")
	ErrDeviceNotLoaded = errors.New("device not loaded")
	ErrDeviceLoaded    = errors.New("device already loaded")
	ErrNoTransport     = errors.New("transport not created")
	ErrNoDevice        = errors.New("capture device unavailable")

	// Session.
	ErrSessionClosed   = errors.New("session closed")
	ErrNoSession       = errors.New("no such session")
	ErrInvalidPhase    = errors.New("operation not valid in current phase")
	ErrTransferPending = errors.New("transfer pending confirmation")
	ErrNoTransfer      = errors.New("no pending transfer")
)

// ProtocolError is an explicit error event sent by the server.
type ProtocolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %s", e.Code)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
