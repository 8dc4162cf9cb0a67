// internal/hub/errors.go
package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistryClosed is returned by Register once shutdown has begun.
	ErrRegistryClosed = errors.New("hub: registry closed")
	// ErrConnectionClosed is returned for operations on a connection that
	// is closing or closed. Sessions also return it when the peer hangs up.
	ErrConnectionClosed = errors.New("hub: connection closed")
	// ErrQueueOverflow means a recipient's outbound queue was full. It never
	// reaches clients; the hub force-closes the recipient instead.
	ErrQueueOverflow = errors.New("hub: outbound queue full")
)

// TransportError is a network-level failure reading from or writing to a session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hub: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
