package engine

import (
	"errors"

	"github.com/arloliu/go-servobus/protocol"
)

// Errors returned to callers. Transport, timeout and decode causes are always wrapped in one
// of these.
var (
	// ErrInvalidCommand reports a command that cannot be encoded for its address. It is the
	// same value as protocol.ErrInvalidCommand. Invalid commands are never retried.
	ErrInvalidCommand = protocol.ErrInvalidCommand

	// ErrCommunicationFailure reports a transaction that failed on every attempt.
	ErrCommunicationFailure = errors.New("engine: communication failure, retries exhausted")

	// ErrQueueSaturated reports a non-blocking submission rejected because the queue is full.
	ErrQueueSaturated = errors.New("engine: transaction queue saturated")

	// ErrCancelled reports a transaction cancelled before it completed.
	ErrCancelled = errors.New("engine: transaction cancelled")

	// ErrEngineClosed reports use of an engine that is not open.
	ErrEngineClosed = errors.New("engine: closed")
)
