package audio

// Resample converts 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The output length is exactly len(pcm)*dstRate/srcRate, so a
// 2× upsample doubles the sample count and a ½ downsample halves it with no
// per-frame drift. If the rates match, the input slice is returned unchanged.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}

	dstLen := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := pcm[idx]
		s1 := s0
		if idx+1 < len(pcm) {
			s1 = pcm[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Upsample2x doubles the sample rate of 16-bit mono PCM. Equivalent to
// Resample(pcm, r, 2r) but on the 8 kHz → 16 kHz hot path it avoids the
// generic position arithmetic: each input sample produces itself plus the
// midpoint to its successor.
func Upsample2x(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		next := s
		if i+1 < len(pcm) {
			next = pcm[i+1]
		}
		out[i*2+1] = int16((int32(s) + int32(next)) / 2)
	}
	return out
}

// Downsample2x halves the sample rate of 16-bit mono PCM by averaging each
// adjacent pair, which doubles as a crude anti-aliasing filter. A trailing
// odd sample is dropped; output length is exactly len(pcm)/2.
func Downsample2x(pcm []int16) []int16 {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}
