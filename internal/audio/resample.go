package audio

// Resample converts the clip to rate using linear interpolation between
// neighbouring frames. It is intended for reference material and segment
// joins, not mastering.
func (c Clip) Resample(rate int) Clip {
	if rate <= 0 || c.SampleRate <= 0 || rate == c.SampleRate {
		return c
	}
	ch := c.channels()
	if c.Empty() {
		return Clip{SampleRate: rate, Channels: ch}
	}
	in := c.Frames()
	ratio := float64(c.SampleRate) / float64(rate)
	outFrames := int(float64(in) / ratio)
	if outFrames < 1 {
		outFrames = 1
	}
	out := make([]float64, outFrames*ch)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo >= in-1 {
			lo = in - 1
		}
		hi := min(lo+1, in-1)
		frac := pos - float64(lo)
		for j := 0; j < ch; j++ {
			a := c.Samples[lo*ch+j]
			b := c.Samples[hi*ch+j]
			out[i*ch+j] = a + (b-a)*frac
		}
	}
	return Clip{Samples: out, SampleRate: rate, Channels: ch}
}
