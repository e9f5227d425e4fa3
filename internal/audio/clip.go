package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrFormatMismatch = errors.New("audio clips have different formats")
	ErrInvalidClip    = errors.New("invalid audio clip")
)

// Clip is a block of floating point samples in [-1, 1]. Samples are interleaved
// when Channels > 1.
type Clip struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// NewMono wraps mono samples recorded at rate.
func NewMono(samples []float64, rate int) Clip {
	return Clip{Samples: samples, SampleRate: rate, Channels: 1}
}

func (c Clip) channels() int {
	if c.Channels <= 0 {
		return 1
	}
	return c.Channels
}

// Frames is the number of sample frames (one sample per channel).
func (c Clip) Frames() int {
	return len(c.Samples) / c.channels()
}

func (c Clip) Empty() bool {
	return c.Frames() == 0
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Frames()) / float64(c.SampleRate) * float64(time.Second))
}

// FramesFor converts a duration into a frame count at the clip's rate.
func (c Clip) FramesFor(d time.Duration) int {
	if d <= 0 || c.SampleRate <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * float64(c.SampleRate)))
}

func (c Clip) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidClip, c.SampleRate)
	}
	if len(c.Samples)%c.channels() != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrInvalidClip, len(c.Samples), c.channels())
	}
	return nil
}

// Mono downmixes interleaved channels by averaging each frame.
func (c Clip) Mono() Clip {
	ch := c.channels()
	if ch == 1 {
		return Clip{Samples: c.Samples, SampleRate: c.SampleRate, Channels: 1}
	}
	frames := c.Frames()
	out := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for j := 0; j < ch; j++ {
			sum += c.Samples[i*ch+j]
		}
		out[i] = sum / float64(ch)
	}
	return NewMono(out, c.SampleRate)
}

// Slice returns frames [start, end), clamped to the clip bounds. The result
// shares storage with c.
func (c Clip) Slice(start, end int) Clip {
	frames := c.Frames()
	start = max(0, min(start, frames))
	end = max(start, min(end, frames))
	ch := c.channels()
	return Clip{Samples: c.Samples[start*ch : end*ch], SampleRate: c.SampleRate, Channels: ch}
}

// SliceTime is Slice expressed in offsets from the beginning of the clip.
func (c Clip) SliceTime(start, end time.Duration) Clip {
	return c.Slice(c.FramesFor(start), c.FramesFor(end))
}

// Peak is the maximum absolute sample value.
func (c Clip) Peak() float64 {
	var peak float64
	for _, s := range c.Samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// PeakNormalize scales the clip so that its peak equals target. Silent clips are
// returned unchanged.
func (c Clip) PeakNormalize(target float64) Clip {
	peak := c.Peak()
	if peak == 0 {
		return c
	}
	return c.scale(target / peak)
}

// DBFS is the RMS loudness relative to full scale. Silence yields -Inf.
func (c Clip) DBFS() float64 {
	if len(c.Samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range c.Samples {
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(len(c.Samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

// Gain applies a gain expressed in decibels.
func (c Clip) Gain(db float64) Clip {
	if db == 0 || math.IsInf(db, 0) || math.IsNaN(db) {
		return c
	}
	return c.scale(math.Pow(10, db/20))
}

func (c Clip) scale(factor float64) Clip {
	out := make([]float64, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = s * factor
	}
	return Clip{Samples: out, SampleRate: c.SampleRate, Channels: c.channels()}
}

// Concat joins clips end to end. All clips must share rate and channel count.
func Concat(clips ...Clip) (Clip, error) {
	if len(clips) == 0 {
		return Clip{}, fmt.Errorf("%w: nothing to concatenate", ErrInvalidClip)
	}
	first := clips[0]
	total := 0
	for _, c := range clips {
		if c.SampleRate != first.SampleRate || c.channels() != first.channels() {
			return Clip{}, fmt.Errorf("%w: %d Hz/%d ch vs %d Hz/%d ch", ErrFormatMismatch,
				c.SampleRate, c.channels(), first.SampleRate, first.channels())
		}
		total += len(c.Samples)
	}
	out := make([]float64, 0, total)
	for _, c := range clips {
		out = append(out, c.Samples...)
	}
	return Clip{Samples: out, SampleRate: first.SampleRate, Channels: first.channels()}, nil
}

// Crossfade appends b to a, blending the last overlap frames of a with the first
// overlap frames of b using complementary linear ramps. The overlap is clamped
// to the shorter clip. Zero overlap is a plain concatenation.
func Crossfade(a, b Clip, overlap int) (Clip, error) {
	if a.SampleRate != b.SampleRate || a.channels() != b.channels() {
		return Clip{}, fmt.Errorf("%w: %d Hz/%d ch vs %d Hz/%d ch", ErrFormatMismatch,
			a.SampleRate, a.channels(), b.SampleRate, b.channels())
	}
	overlap = max(0, min(overlap, a.Frames(), b.Frames()))
	if overlap == 0 {
		return Concat(a, b)
	}
	ch := a.channels()
	head := a.Frames() - overlap
	out := make([]float64, 0, len(a.Samples)+len(b.Samples)-overlap*ch)
	out = append(out, a.Samples[:head*ch]...)
	for i := 0; i < overlap; i++ {
		in := float64(i) / float64(overlap)
		for j := 0; j < ch; j++ {
			x := a.Samples[(head+i)*ch+j]
			y := b.Samples[i*ch+j]
			out = append(out, x*(1-in)+y*in)
		}
	}
	out = append(out, b.Samples[overlap*ch:]...)
	return Clip{Samples: out, SampleRate: a.SampleRate, Channels: ch}, nil
}
