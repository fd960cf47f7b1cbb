package client

import (
	"errors"
	"fmt"
)

var (
	// ErrReadinessTimeout is returned by Start when the server does not
	// acknowledge the session within the start timeout.
	ErrReadinessTimeout = errors.New("session start not acknowledged")

	// ErrSessionStopped is returned by Start when Stop or shutdown wins the race.
	ErrSessionStopped = errors.New("session stopped")
)

// ConnectionError reports that the transport could not be opened.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SessionError is a terminal session failure. A new Start is required.
type SessionError struct {
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session failed: %s: %v", e.Message, e.Err)
	}
	return "session failed: " + e.Message
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// InputError reports a local audio input problem. It is never retried.
type InputError struct {
	Device string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("audio input %q: %v", e.Device, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}
