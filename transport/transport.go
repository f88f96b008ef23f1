// Package transport moves protocol frames between the host and the actuator bus.
//
// A Transport is a half-duplex, frame-oriented link. It is owned by a single goroutine (the
// engine worker); only Close may be called concurrently with Send or Receive.
//
// Implementations:
//
//   - [Stream]: the serial adapter's 'AT' framing over any byte stream with deadlines.
//     [OpenSerial] opens a tty, [DialTCP] connects to a serial-over-TCP bridge.
//   - [SocketCAN]: a raw Linux CAN socket.
//   - [Mock]: a scripted transport for tests and bench tools.
package transport

import (
	"errors"
	"time"

	"github.com/arloliu/go-servobus/protocol"
)

// Transport sends and receives frames on the actuator bus.
type Transport interface {
	// Send transmits one frame.
	Send(f protocol.Frame) error
	// Receive waits up to timeout for the next frame. A frame that fails integrity checks is
	// reported with an error wrapping protocol.ErrDecode.
	Receive(timeout time.Duration) (protocol.Frame, error)
	// Close releases the link. Pending and later calls fail with ErrClosed.
	Close() error
}

var (
	// ErrTimeout reports that no frame arrived within the receive timeout.
	ErrTimeout = errors.New("transport: timeout")
	// ErrTransport reports an I/O failure of the underlying link.
	ErrTransport = errors.New("transport: link failure")
	// ErrClosed reports use of a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrUnsupported reports a link type that is not available on this platform.
	ErrUnsupported = errors.New("transport: unsupported on this platform")
)
