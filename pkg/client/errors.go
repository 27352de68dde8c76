package client

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed   = errors.New("client: closed")
	ErrReplyTimeout   = errors.New("client: reply timed out")
	ErrNotConnected   = errors.New("client: not connected")
	ErrNoReplyAddress = errors.New("client: message has no reply address")
	ErrInvalidTimeout = errors.New("client: send timeout must be positive")
	ErrInvalidAddress = errors.New("client: address must not be empty")
	ErrNilHandler     = errors.New("client: handler must not be nil")
)

// TransportError reports a failed dial, read or write. The connection it
// happened on is abandoned and, when enabled, a reconnect is scheduled.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports an undecodable frame or envelope. It is fatal to the
// connection it was read from.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("client: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// HandlerError wraps a panic recovered from an application callback.
type HandlerError struct {
	Address string
	Value   any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("client: handler for '%s' panicked: %v", e.Address, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *HandlerError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
