//go:build linux

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultBaudRate is the line rate of the actuator vendor's USB-to-CAN adapter.
const DefaultBaudRate = 921600

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

// OpenSerial opens a serial adapter in raw 8N1 mode at the given baud rate.
// A zero baud selects DefaultBaudRate.
func OpenSerial(device string, baud int, opts ...StreamOption) (*Stream, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}

	rate, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrTransport, baud)
	}

	// O_NONBLOCK lets os.NewFile register the descriptor with the runtime poller, which is
	// what makes read deadlines work on the returned file.
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrTransport, device, err)
	}

	if err := makeRaw(fd, rate); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: configure %s: %w", ErrTransport, device, err)
	}

	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%w: flush %s: %w", ErrTransport, device, err)
	}

	return NewStream(os.NewFile(uintptr(fd), device), opts...), nil
}

func makeRaw(fd int, rate uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | rate
	t.Ispeed = rate
	t.Ospeed = rate
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
