package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialTCP connects to a serial-over-TCP bridge (ser2net and similar) that exposes the
// adapter's byte stream unchanged.
func DialTCP(ctx context.Context, address string, timeout time.Duration, opts ...StreamOption) (*Stream, error) {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, address, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return NewStream(conn, opts...), nil
}
