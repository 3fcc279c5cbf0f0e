// Package audio provides the telephony audio primitives used on every call:
// bit-exact ITU-T G.711 μ-law companding, deterministic linear-interpolation
// resampling, and the PCM slice/byte conversions at the model boundaries.
//
// All PCM in this package is signed 16-bit mono. Functions never mutate their
// input slices.
package audio

// G.711 μ-law companding constants.
const (
	muLawBias = 0x84  // 132, added before segment search
	muLawClip = 32635 // maximum magnitude before companding
)

// muLawDecodeTable maps each of the 256 μ-law code words to its linear
// 16-bit value. Built once at init; decoding is then a single lookup per
// sample.
var muLawDecodeTable [256]int16

func init() {
	for i := range muLawDecodeTable {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

// decodeMuLawSample expands one μ-law code word per ITU-T G.711.
func decodeMuLawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := (int32(mantissa)<<3 + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// encodeMuLawSample compresses one linear sample per ITU-T G.711 segmented
// companding: 0x84 bias, clip at 32635, eight logarithmic segments.
func encodeMuLawSample(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw expands μ-law bytes into 16-bit PCM. One input byte yields one
// output sample.
func DecodeMuLaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

// EncodeMuLaw compresses 16-bit PCM into μ-law bytes. One input sample yields
// one output byte.
func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeMuLawSample(s)
	}
	return out
}
