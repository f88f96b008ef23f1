package protocol

const maxUint16 = 65535

// floatToUint maps x in r onto [0, 65535], truncating toward zero.
// The arithmetic is done in float32 to match the actuator firmware bit for bit.
// The caller guarantees r.Contains(x).
func floatToUint(x float64, r Range) uint16 {
	lo, hi := float32(r.Min), float32(r.Max)
	v := (float32(x) - lo) * maxUint16 / (hi - lo)
	if v <= 0 {
		return 0
	}
	if v >= maxUint16 {
		return maxUint16
	}

	return uint16(v)
}

// uintToFloat is the inverse of floatToUint.
func uintToFloat(v uint16, r Range) float64 {
	lo, hi := float32(r.Min), float32(r.Max)
	return float64(float32(v)*(hi-lo)/maxUint16 + lo)
}

// Resolution returns the value of one wire LSB within r.
func (r Range) Resolution() float64 {
	return (r.Max - r.Min) / maxUint16
}
