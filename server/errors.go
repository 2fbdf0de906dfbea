package server

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrNoListeners    = errors.New("server requires at least one listener")
	ErrInvalidState   = errors.New("invalid server state")
)

// BindError reports a listener that failed to bind during Start. Startup is
// atomic: on any BindError every listener bound before it is closed again.
type BindError struct {
	Network string
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s %s: %v", e.Network, e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptError wraps an error from accept(2) on a listener. Transient errors
// keep the accept loop running; fatal ones remove the listener.
type AcceptError struct {
	Token int
	Err   error
	Fatal bool
}

func (e *AcceptError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("accept on listener %d (%s): %v", e.Token, kind, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }
