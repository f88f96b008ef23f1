package protocol

import (
	"encoding/binary"
	"fmt"
)

// Reserved CAN ids on the actuator bus.
const (
	MasterID       uint8 = 0x00 // bus master
	DefaultMotorID uint8 = 0x7F // factory default actuator id
	DebugHostID    uint8 = 0xFD // host id used by the vendor debug tool
	BroadcastID    uint8 = 0xFE
)

// MaxDataLen is the maximum CAN payload length.
const MaxDataLen = 8

// WireSize is the size of a serial-adapter frame carrying a full 8-byte payload.
const WireSize = wireOverhead + MaxDataLen

// wireOverhead counts preamble(2) + id word(4) + DLC(1) + trailer(2).
const wireOverhead = 9

// extendedDataFlag marks an extended-id data frame in the identifier word's low bits.
const (
	extendedDataFlag uint32 = 0x4
	frameFlagMask    uint32 = 0x7
)

var (
	preamble = [2]byte{'A', 'T'}
	trailer  = [2]byte{'\r', '\n'}
)

// CommType is the 5-bit communication type carried in the top bits of the CAN identifier.
type CommType uint8

// Communication types of the actuator protocol.
const (
	CommAnnounceDevID CommType = iota
	CommMotorCtrl
	CommMotorFeedback
	CommMotorEnable
	CommMotorReset
	CommMotorCali
	CommMotorZero
	CommMotorID
	CommParaWrite
	CommParaRead
	CommParaUpdate
	CommOtaStart
	CommOtaInfo
	CommOtaIng
	CommOtaEnd
	CommCaliIng
	CommCaliRst
	CommSdoRead
	CommSdoWrite
	CommParaStrInfo
	CommMotorBrake
	CommFaultWarn
)

func (c CommType) String() string {
	switch c {
	case CommAnnounceDevID:
		return "announce"
	case CommMotorCtrl:
		return "motor-ctrl"
	case CommMotorFeedback:
		return "feedback"
	case CommMotorEnable:
		return "enable"
	case CommMotorReset:
		return "reset"
	case CommMotorZero:
		return "zero"
	case CommParaWrite:
		return "para-write"
	case CommParaRead:
		return "para-read"
	case CommSdoRead:
		return "sdo-read"
	case CommSdoWrite:
		return "sdo-write"
	case CommFaultWarn:
		return "fault-warn"
	default:
		return fmt.Sprintf("comm(%d)", uint8(c))
	}
}

// ExtID is the decomposed 29-bit CAN identifier.
type ExtID struct {
	Target uint8    // bits 7..0
	Data   uint16   // bits 23..8
	Type   CommType // bits 28..24
}

// CANID returns the packed 29-bit CAN identifier.
func (e ExtID) CANID() uint32 {
	return uint32(e.Type&0x1F)<<24 | uint32(e.Data)<<8 | uint32(e.Target)
}

// ExtIDFromCANID splits a 29-bit CAN identifier into its fields.
func ExtIDFromCANID(id uint32) ExtID {
	return ExtID{
		Target: uint8(id),
		Data:   uint16(id >> 8),
		Type:   CommType((id >> 24) & 0x1F),
	}
}

// Frame is one CAN frame exchanged with an actuator.
//
// Frames are produced by [Codec.Encode], [ParseFrame] or [NewFrame]; callers never assemble
// them by hand.
type Frame struct {
	ID   ExtID
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame builds a frame from a raw 29-bit identifier and payload, as delivered by a CAN
// socket.
func NewFrame(canID uint32, payload []byte) (Frame, error) {
	if canID > 0x1FFFFFFF {
		return Frame{}, fmt.Errorf("%w: identifier 0x%X exceeds 29 bits", ErrFrameFormat, canID)
	}
	if len(payload) > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadLength, len(payload))
	}

	f := Frame{ID: ExtIDFromCANID(canID), Len: uint8(len(payload))}
	copy(f.Data[:], payload)

	return f, nil
}

// Payload returns the used portion of the data field.
func (f *Frame) Payload() []byte {
	n := min(int(f.Len), MaxDataLen)
	return f.Data[:n]
}

// String renders the frame for debug logging.
func (f Frame) String() string {
	return fmt.Sprintf("%s target=0x%02X data=0x%04X payload=% X", f.ID.Type, f.ID.Target, f.ID.Data, f.Payload())
}

// Pack serializes the frame to the serial adapter's wire format.
//
//	['A']['T'][ID word BE(4)][DLC(1)][Data(DLC)]['\r']['\n']
func (f *Frame) Pack() []byte {
	n := min(int(f.Len), MaxDataLen)
	buf := make([]byte, wireOverhead+n)

	buf[0], buf[1] = preamble[0], preamble[1]
	binary.BigEndian.PutUint32(buf[2:6], f.ID.CANID()<<3|extendedDataFlag)
	buf[6] = byte(n)
	copy(buf[7:7+n], f.Data[:n])
	buf[7+n], buf[8+n] = trailer[0], trailer[1]

	return buf
}

// ParseFrame deserializes one serial-adapter frame. data must hold exactly one frame.
//
// ParseFrame validates the preamble, the frame format flags, the DLC, the total length and
// the trailer. Every failure wraps ErrDecode.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < wireOverhead {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrTruncated, len(data), wireOverhead)
	}

	if data[0] != preamble[0] || data[1] != preamble[1] {
		return Frame{}, fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadPreamble, data[0], data[1])
	}

	word := binary.BigEndian.Uint32(data[2:6])
	if word&frameFlagMask != extendedDataFlag {
		return Frame{}, fmt.Errorf("%w: 0x%X", ErrFrameFormat, word&frameFlagMask)
	}

	dlc := int(data[6])
	if dlc > MaxDataLen {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadLength, dlc)
	}

	if len(data) != wireOverhead+dlc {
		if len(data) < wireOverhead+dlc {
			return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrTruncated, len(data), wireOverhead+dlc)
		}

		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(data), wireOverhead+dlc)
	}

	if data[7+dlc] != trailer[0] || data[8+dlc] != trailer[1] {
		return Frame{}, fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadTrailer, data[7+dlc], data[8+dlc])
	}

	f := Frame{ID: ExtIDFromCANID(word >> 3), Len: uint8(dlc)}
	copy(f.Data[:], data[7:7+dlc])

	return f, nil
}

// FrameLength reports the total wire length of a frame given its first seven bytes
// (preamble, identifier word and DLC). Stream readers use it to size the remaining read.
func FrameLength(head []byte) (int, error) {
	if len(head) < 7 {
		return 0, fmt.Errorf("%w: header needs 7 bytes, got %d", ErrTruncated, len(head))
	}

	dlc := int(head[6])
	if dlc > MaxDataLen {
		return 0, fmt.Errorf("%w: %d", ErrBadLength, dlc)
	}

	return wireOverhead + dlc, nil
}
