package audio

import "math"

// G.711 companding tables, expanded once at startup. Telephony bridges hand
// us one companded byte per sample.
var (
	ulawToPCM = buildTable(expandUlaw)
	alawToPCM = buildTable(expandAlaw)
)

func buildTable(expand func(byte) int16) [256]int16 {
	var t [256]int16
	for i := range t {
		t[i] = expand(byte(i))
	}
	return t
}

func expandUlaw(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	seg := int16((b >> 4) & 0x07)
	step := int16(b & 0x0F)
	return sign * ((step<<3+0x84)<<seg - 0x84)
}

func expandAlaw(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	seg := int16((b >> 4) & 0x07)
	step := int16(b & 0x0F)
	if seg == 0 {
		return sign * (step<<4 + 8)
	}
	return sign * ((step<<4 + 0x108) << (seg - 1))
}

func expandG711(data []byte, table *[256]int16) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(table[b]) / math.MaxInt16
	}
	return out
}
