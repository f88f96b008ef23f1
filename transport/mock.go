package transport

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-servobus/internal/pool"
	"github.com/arloliu/go-servobus/protocol"
)

// Responder produces the frames a bus answers with after f is sent.
type Responder func(f protocol.Frame) []protocol.Frame

type inboxItem struct {
	frame protocol.Frame
	err   error
}

// Mock is a scripted Transport. Every sent frame is recorded and passed to the responder;
// the responder's frames are queued for Receive. Frames and errors can also be injected
// directly to model unsolicited traffic and line faults.
//
// Mock is safe for concurrent use.
type Mock struct {
	mu        sync.Mutex
	sent      []protocol.Frame
	responder Responder
	sendErr   error

	inbox     chan inboxItem
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Transport = (*Mock)(nil)

// NewMock returns a Mock answering through responder, which may be nil.
func NewMock(responder Responder) *Mock {
	return &Mock{
		responder: responder,
		inbox:     make(chan inboxItem, 1024),
		done:      make(chan struct{}),
	}
}

// SetResponder replaces the responder.
func (m *Mock) SetResponder(r Responder) {
	m.mu.Lock()
	m.responder = r
	m.mu.Unlock()
}

// FailSends makes every Send fail with err until called again with nil.
func (m *Mock) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

// Inject queues f for Receive.
func (m *Mock) Inject(f protocol.Frame) {
	m.push(inboxItem{frame: f})
}

// InjectError queues err to be returned by the next Receive.
func (m *Mock) InjectError(err error) {
	m.push(inboxItem{err: err})
}

// Sent returns a copy of all frames sent so far.
func (m *Mock) Sent() []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.sent)
}

// SentCount returns the number of frames sent so far.
func (m *Mock) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sent)
}

// Send records f and queues the responder's answer.
func (m *Mock) Send(f protocol.Frame) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	m.sent = append(m.sent, f)
	responder, sendErr := m.responder, m.sendErr
	m.mu.Unlock()

	if sendErr != nil {
		return fmt.Errorf("%w: %w", ErrTransport, sendErr)
	}

	if responder != nil {
		for _, reply := range responder(f) {
			m.push(inboxItem{frame: reply})
		}
	}

	return nil
}

// Receive returns the next queued frame or error, waiting at most timeout.
func (m *Mock) Receive(timeout time.Duration) (protocol.Frame, error) {
	select {
	case item := <-m.inbox:
		return item.frame, item.err
	case <-m.done:
		return protocol.Frame{}, ErrClosed
	default:
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case item := <-m.inbox:
		return item.frame, item.err
	case <-m.done:
		return protocol.Frame{}, ErrClosed
	case <-timer.C:
		return protocol.Frame{}, ErrTimeout
	}
}

// Close makes pending and later calls fail with ErrClosed.
func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
	})

	return nil
}

func (m *Mock) push(item inboxItem) {
	select {
	case m.inbox <- item:
	case <-m.done:
	}
}
