package protocol

import "errors"

var (
	// ErrInvalidCommand indicates a command that cannot be encoded: an unknown or reserved
	// address, a non-finite value, or a target outside the actuator model's range.
	ErrInvalidCommand = errors.New("protocol: invalid command")

	// ErrDecode is the parent of every frame decoding failure.
	ErrDecode = errors.New("protocol: decode error")
)

// Decode failures. Each wraps ErrDecode.
var (
	ErrTruncated      = wrapDecode("truncated frame")
	ErrBadPreamble    = wrapDecode("bad frame preamble")
	ErrBadTrailer     = wrapDecode("bad frame trailer")
	ErrFrameFormat    = wrapDecode("unexpected frame format flags")
	ErrBadLength      = wrapDecode("invalid data length code")
	ErrUnknownOpcode  = wrapDecode("unknown communication type")
	ErrUnknownAddress = wrapDecode("reply from unknown address")
)

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return "protocol: " + e.msg }

func (e *decodeError) Unwrap() error { return ErrDecode }

func wrapDecode(msg string) error { return &decodeError{msg: msg} }
