// Package protocol implements the RoboStride actuator wire protocol as carried by the
// USB-to-CAN serial adapters used on the actuator bus.
//
// Every actuator frame is a CAN 2.0B extended data frame. The 29-bit identifier packs the
// communication type (5 bits), a 16-bit data area and an 8-bit target id:
//
//	bits 28..24  communication type (CommType)
//	bits 23..8   data area (host id, torque set-point, or feedback status)
//	bits  7..0   target id
//
// The serial adapter wraps each CAN frame in a fixed 17-byte envelope:
//
//	'A' 'T' | BE32(canID<<3 | 0x4) | DLC | data[DLC] | '\r' '\n'
//
// The low three bits of the identifier word are the adapter's frame-format flags; 0x4 marks an
// extended data frame. The CAN CRC itself is checked by the adapter hardware, so the envelope's
// integrity fields are the preamble, the flag bits, the DLC and the trailer.
//
// # Codec
//
// [Codec] is a pure translator between typed [Command] values and [Frame]s, and between
// received frames and typed [Reply] values. It holds no mutable state and performs no I/O.
// Physical quantities are linearly mapped onto 16-bit integers using the per-model ranges in
// [ModelInfo]; targets outside a model's range fail with [ErrInvalidCommand] instead of being
// clamped.
package protocol
