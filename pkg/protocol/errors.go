package protocol

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a request receives no response before its deadline.
// The session stays usable.
var ErrTimeout = errors.New("protocol: request timed out")

// StateError is returned when an operation is attempted outside the state it requires.
// Cause carries the failure reason when the session is Failed.
type StateError struct {
	Op    string
	State State
	Cause error
}

func (e *StateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s not allowed in state %s: %v", e.Op, e.State, e.Cause)
	}
	return fmt.Sprintf("protocol: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return e.Cause }

// RPCError is an explicit error response from the tool server.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError wraps a spawn, write or read failure. It is always terminal for the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("protocol transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("protocol handshake: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// MalformedError reports a frame or payload that does not match the expected shape.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %v", e.Reason, e.Err)
	}
	return "malformed " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// ToolError is a tool result flagged with isError by the server.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return "tool reported an error"
	}
	return "tool reported an error: " + e.Message
}
