// Package can provides frame-level access to a CAN field bus through a
// narrow capability interface with hardware and simulated implementations,
// interchangeable from the caller's perspective and selected once at
// construction.
package can

import (
	"time"

	"github.com/juju/errors"
)

var ErrClosed = errors.New("can: bus is closed")

// Bus is the transport capability contract.
// Implementations must be safe for concurrent use.
type Bus interface {
	// Send transmits one frame. Non-blocking or tightly bounded.
	Send(f Frame) error

	// Receive waits up to timeout for the next frame.
	// ok=false means no frame arrived within the timeout.
	Receive(timeout time.Duration) (f Frame, ok bool, err error)

	Close() error
}
