package pcm

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is not positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resampler converts a mono stream split into blocks of any length from
// srcRate to dstRate. It keeps the source position and the last sample of the
// previous block, so the output of consecutive calls is the same as resampling
// the concatenated input once. Not safe for concurrent use.
type Resampler struct {
	src, dst int64

	// phase is the next output position in source samples, scaled by dst and
	// relative to the start of the next block. It lies in [-dst, 0) when the
	// next output falls between the previous block's last sample and the next
	// block's first.
	phase int64
	last  float32
}

// NewResampler returns a [Resampler] from srcRate to dstRate. Non-positive or
// equal rates make Process return its input unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process resamples the next block of the stream.
func (r *Resampler) Process(block []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst || len(block) == 0 {
		return block
	}
	n := int64(len(block))
	out := make([]float32, 0, n*r.dst/r.src+1)

	// Interpolating at index idx needs idx+1 inside the block; later
	// positions wait for the next block.
	for {
		idx := r.phase / r.dst
		rem := r.phase % r.dst
		if rem < 0 {
			idx--
			rem += r.dst
		}
		if idx+1 >= n && !(idx+1 == n && rem == 0) {
			break
		}
		var s0 float32
		if idx < 0 {
			s0 = r.last
		} else {
			s0 = block[idx]
		}
		if rem == 0 {
			out = append(out, s0)
		} else {
			frac := float32(rem) / float32(r.dst)
			out = append(out, s0*(1-frac)+block[idx+1]*frac)
		}
		r.phase += r.src
	}

	r.phase -= n * r.dst
	r.last = block[n-1]
	return out
}
