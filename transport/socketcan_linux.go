//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

// canFrameSize is sizeof(struct can_frame).
const canFrameSize = 16

// SocketCAN is a raw CAN socket bound to one interface. Frames pass through unchanged; the
// kernel and the controller handle bit stuffing and the CAN CRC.
//
// SocketCAN is NOT goroutine-safe apart from Close.
type SocketCAN struct {
	fd     int
	ifname string
	logger logger.Logger
	closed atomic.Bool
}

var _ Transport = (*SocketCAN)(nil)

// OpenSocketCAN binds a raw CAN socket to the interface ifname (for example "can0").
func OpenSocketCAN(ifname string, l logger.Logger) (*SocketCAN, error) {
	if l == nil {
		l = logger.GetLogger()
	}

	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %s: %w", ErrTransport, ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", ErrTransport, err)
	}

	// Only extended data frames carry actuator traffic.
	filter := []unix.CanFilter{{Id: unix.CAN_EFF_FLAG, Mask: unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG}}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filter); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: set filter: %w", ErrTransport, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %w", ErrTransport, ifname, err)
	}

	return &SocketCAN{fd: fd, ifname: ifname, logger: l}, nil
}

// Send writes one extended data frame.
func (c *SocketCAN) Send(f protocol.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var raw [canFrameSize]byte
	binary.NativeEndian.PutUint32(raw[0:4], f.ID.CANID()|unix.CAN_EFF_FLAG)
	raw[4] = f.Len
	copy(raw[8:], f.Payload())

	if _, err := unix.Write(c.fd, raw[:]); err != nil {
		return c.classify(err)
	}

	return nil
}

// Receive waits up to timeout for the next extended data frame.
func (c *SocketCAN) Receive(timeout time.Duration) (protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	var raw [canFrameSize]byte

	for {
		if c.closed.Load() {
			return protocol.Frame{}, ErrClosed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Frame{}, ErrTimeout
		}

		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(max(remaining.Milliseconds(), 1)))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return protocol.Frame{}, c.classify(err)
		}
		if n == 0 {
			return protocol.Frame{}, ErrTimeout
		}

		if _, err := unix.Read(c.fd, raw[:]); err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return protocol.Frame{}, c.classify(err)
		}

		id := binary.NativeEndian.Uint32(raw[0:4])
		if id&unix.CAN_EFF_FLAG == 0 || id&(unix.CAN_RTR_FLAG|unix.CAN_ERR_FLAG) != 0 {
			continue
		}

		dlc := int(raw[4])
		if dlc > protocol.MaxDataLen {
			return protocol.Frame{}, fmt.Errorf("%w: %d", protocol.ErrBadLength, dlc)
		}

		return protocol.NewFrame(id&unix.CAN_EFF_MASK, raw[8:8+dlc])
	}
}

// Close closes the socket. It is safe to call more than once.
func (c *SocketCAN) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Debug("servobus: closing CAN socket", "interface", c.ifname)

	return unix.Close(c.fd)
}

func (c *SocketCAN) classify(err error) error {
	if c.closed.Load() || errors.Is(err, unix.EBADF) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrTransport, c.ifname, err)
}
