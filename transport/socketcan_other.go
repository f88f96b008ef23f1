//go:build !linux

package transport

import (
	"fmt"
	"time"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

// SocketCAN is only available on Linux.
type SocketCAN struct{}

// OpenSocketCAN is only implemented on Linux.
func OpenSocketCAN(ifname string, _ logger.Logger) (*SocketCAN, error) {
	return nil, fmt.Errorf("%w: CAN interface %s", ErrUnsupported, ifname)
}

func (*SocketCAN) Send(protocol.Frame) error { return ErrUnsupported }

func (*SocketCAN) Receive(time.Duration) (protocol.Frame, error) {
	return protocol.Frame{}, ErrUnsupported
}

func (*SocketCAN) Close() error { return nil }
