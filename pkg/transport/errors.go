package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned by RecvLine when the deadline passes before a line arrives.
	ErrTimeout = errors.New("transport: receive deadline exceeded")
	// ErrClosed is returned once the process output has been drained and EOF already reported.
	ErrClosed = errors.New("transport: closed")
	// ErrEmbeddedNewline rejects frames that would break newline framing.
	ErrEmbeddedNewline = errors.New("transport: frame contains a newline")
)

type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write frame: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read frame: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
