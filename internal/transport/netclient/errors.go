package netclient

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrQueueFull       = errors.New("send queue full")
	ErrClosed          = errors.New("client closed")
	ErrPaletteMismatch = errors.New("palette digest mismatch")
	ErrRejected        = errors.New("rejected by server")
	ErrResyncing       = errors.New("waiting for the connect resync")
)

// ConnectionError is returned for any operation that could not reach the
// server. Err is one of the sentinels above or the underlying transport error.
type ConnectionError struct {
	Op    string
	State State
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("netclient %s (%s): %v", e.Op, e.State, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// fatal reports errors that end the reconnect loop.
func fatal(err error) bool {
	return errors.Is(err, ErrPaletteMismatch) || errors.Is(err, ErrRejected)
}
