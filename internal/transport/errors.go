package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthMissing is returned when a connection is requested without a
	// credential.
	ErrAuthMissing = errors.New("auth credential missing")
	// ErrConnection matches every *ConnectionError via errors.Is.
	ErrConnection = errors.New("connection error")
	// ErrHandshakeTimeout means the server never acknowledged the session.
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// ConnectionError reports a failed dial or handshake.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// RejectedError carries the message of a server connect_error frame.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string { return "server rejected connection: " + e.Message }
