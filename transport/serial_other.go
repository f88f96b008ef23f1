//go:build !linux

package transport

import "fmt"

// DefaultBaudRate is the line rate of the actuator vendor's USB-to-CAN adapter.
const DefaultBaudRate = 921600

// OpenSerial is only implemented on Linux. Use DialTCP with a serial bridge elsewhere.
func OpenSerial(device string, _ int, _ ...StreamOption) (*Stream, error) {
	return nil, fmt.Errorf("%w: serial device %s", ErrUnsupported, device)
}
