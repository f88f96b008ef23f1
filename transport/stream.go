package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-servobus/logger"
	"github.com/arloliu/go-servobus/protocol"
)

// DeadlineConn is a byte stream with read and write deadlines, such as a net.Conn or a
// pollable *os.File.
type DeadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

const (
	// DefaultInterCharTimeout bounds the gap between bytes of one frame.
	DefaultInterCharTimeout = 5 * time.Millisecond
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 50 * time.Millisecond
)

// StreamOption configures a Stream.
type StreamOption interface {
	apply(*Stream)
}

type streamOptFunc func(*Stream)

func (f streamOptFunc) apply(s *Stream) { f(s) }

// WithInterCharTimeout sets the maximum silence between bytes of one frame. It also sets the
// silence that ends resynchronisation after a corrupt frame.
func WithInterCharTimeout(d time.Duration) StreamOption {
	return streamOptFunc(func(s *Stream) {
		if d > 0 {
			s.interChar = d
		}
	})
}

// WithWriteTimeout sets the deadline for writing one frame.
func WithWriteTimeout(d time.Duration) StreamOption {
	return streamOptFunc(func(s *Stream) {
		if d > 0 {
			s.writeTimeout = d
		}
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) StreamOption {
	return streamOptFunc(func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	})
}

// Stream carries frames in the serial adapter's 'AT' envelope over a byte stream.
//
// Receive hunts for the "AT" preamble, discarding any bytes before it, so the reader
// resynchronises on its own after line noise. When a frame fails its integrity checks the
// rest of the line is drained until it has been silent for the inter-character timeout.
//
// Stream is NOT goroutine-safe apart from Close.
type Stream struct {
	conn   DeadlineConn
	reader *bufio.Reader
	logger logger.Logger

	interChar    time.Duration
	writeTimeout time.Duration

	closed    atomic.Bool
	discarded atomic.Uint64
}

var _ Transport = (*Stream)(nil)

// NewStream wraps conn. The Stream owns conn and closes it on Close.
func NewStream(conn DeadlineConn, opts ...StreamOption) *Stream {
	s := &Stream{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 256),
		logger:       logger.GetLogger(),
		interChar:    DefaultInterCharTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt.apply(s)
	}

	return s
}

// Discarded returns the number of bytes dropped while hunting for a frame preamble.
func (s *Stream) Discarded() uint64 { return s.discarded.Load() }

// Send writes f in wire form.
func (s *Stream) Send(f protocol.Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return s.classify(err)
	}

	if err := s.writeAll(f.Pack()); err != nil {
		return s.classify(err)
	}

	return nil
}

// Receive reads the next frame, waiting at most timeout for its first byte to arrive.
func (s *Stream) Receive(timeout time.Duration) (protocol.Frame, error) {
	if s.closed.Load() {
		return protocol.Frame{}, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	if err := s.huntPreamble(deadline); err != nil {
		return protocol.Frame{}, s.classify(err)
	}

	buf := make([]byte, protocol.WireSize)
	buf[0], buf[1] = 'A', 'T'

	// Identifier word and DLC.
	if err := s.readFull(buf[2:7]); err != nil {
		return protocol.Frame{}, s.classify(err)
	}

	n, err := protocol.FrameLength(buf[:7])
	if err != nil {
		s.drainUntilSilence()
		return protocol.Frame{}, err
	}

	if err := s.readFull(buf[7:n]); err != nil {
		return protocol.Frame{}, s.classify(err)
	}

	f, err := protocol.ParseFrame(buf[:n])
	if err != nil {
		s.logger.Debug("servobus: corrupt frame", "raw", fmt.Sprintf("% X", buf[:n]), "error", err)
		s.drainUntilSilence()

		return protocol.Frame{}, err
	}

	return f, nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.conn.Close()
}

// huntPreamble consumes bytes until "AT" has been read or the deadline passes.
func (s *Stream) huntPreamble(deadline time.Time) error {
	var prev byte
	skipped := 0

	for {
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		b, err := s.reader.ReadByte()
		if err != nil {
			if skipped > 0 {
				s.discarded.Add(uint64(skipped))
			}
			return err
		}

		if prev == 'A' && b == 'T' {
			if skipped > 1 {
				s.discarded.Add(uint64(skipped - 1))
				s.logger.Debug("servobus: resynchronised stream", "skipped", skipped-1)
			}

			return nil
		}

		prev = b
		skipped++
	}
}

// readFull reads exactly len(buf) bytes, restarting the inter-character deadline before
// each read call.
func (s *Stream) readFull(buf []byte) error {
	for read := 0; read < len(buf); {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.interChar)); err != nil {
			return err
		}

		n, err := s.reader.Read(buf[read:])
		read += n

		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Stream) writeAll(data []byte) error {
	for written := 0; written < len(data); {
		n, err := s.conn.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

// drainUntilSilence discards bytes until the line has been silent for the inter-character
// timeout, so the next Receive starts on a frame boundary.
func (s *Stream) drainUntilSilence() {
	buf := make([]byte, 64)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.interChar))

		n, err := s.reader.Read(buf)
		s.discarded.Add(uint64(n))

		if err != nil {
			return
		}
	}
}

func (s *Stream) classify(err error) error {
	switch {
	case s.closed.Load(), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}
