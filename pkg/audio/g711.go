package audio

// G.711 μ-law companding per ITU-T G.711. The encoder compresses 16-bit
// linear PCM into 8-bit logarithmic samples; the decoder expands them back.
// Round trips are lossy: the error stays within the quantization step of the
// sample's segment.

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// LinearToULaw compresses a single 16-bit linear PCM sample to one μ-law byte.
func LinearToULaw(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	// Locate the segment: position of the highest set bit above the mantissa.
	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (uint(exp) + 3)) & 0x0F)

	return ^(sign | exp<<4 | mant)
}

// ULawToLinear expands a single μ-law byte to a 16-bit linear PCM sample.
func ULawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// EncodeULaw compresses little-endian PCM16 audio to μ-law bytes (one byte
// per sample). A trailing odd byte is dropped.
func EncodeULaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = LinearToULaw(s)
	}
	return out
}

// DecodeULaw expands μ-law bytes to little-endian PCM16 audio (two bytes per
// sample).
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := ULawToLinear(u)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
