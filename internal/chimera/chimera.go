// Package chimera builds hybrid reference clips: a window of a speaker's real
// recording followed by a window of an AI-generated emotional delivery, loudness
// matched and crossfaded at the junction.
package chimera

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ent0n29/voicestudio/internal/audio"
)

var ErrInvalidParameters = errors.New("invalid chimera parameters")

// Headroom kept below the louder of the two windows.
const headroomDB = 1.0

type Options struct {
	SegmentDuration time.Duration
	Crossfade       time.Duration
}

func DefaultOptions() Options {
	return Options{SegmentDuration: 5 * time.Second, Crossfade: 100 * time.Millisecond}
}

func (o Options) Validate() error {
	if o.SegmentDuration <= 0 {
		return fmt.Errorf("%w: segment duration must be positive, got %s", ErrInvalidParameters, o.SegmentDuration)
	}
	if o.Crossfade < 0 {
		return fmt.Errorf("%w: crossfade must not be negative, got %s", ErrInvalidParameters, o.Crossfade)
	}
	if o.Crossfade >= o.SegmentDuration {
		return fmt.Errorf("%w: crossfade %s must be shorter than segment %s", ErrInvalidParameters, o.Crossfade, o.SegmentDuration)
	}
	return nil
}

// Fuse returns a mono clip made of a centered window of source followed by a
// window from the start of ai. Both windows are matched to the louder one's
// loudness minus one dB before they are joined. Inputs are not modified.
func Fuse(source, ai audio.Clip, opts Options) (audio.Clip, error) {
	if err := opts.Validate(); err != nil {
		return audio.Clip{}, err
	}
	if err := source.Validate(); err != nil {
		return audio.Clip{}, fmt.Errorf("source: %w", err)
	}
	if err := ai.Validate(); err != nil {
		return audio.Clip{}, fmt.Errorf("ai: %w", err)
	}
	if source.Empty() || ai.Empty() {
		return audio.Clip{}, fmt.Errorf("%w: empty input clip", ErrInvalidParameters)
	}

	source, ai = source.Mono(), ai.Mono()
	// Join at the higher of the two rates.
	rate := max(source.SampleRate, ai.SampleRate)
	source, ai = source.Resample(rate), ai.Resample(rate)

	user := centeredWindow(source, opts.SegmentDuration)
	guide := leadingWindow(ai, opts.SegmentDuration)
	user, guide = matchLoudness(user, guide)

	return audio.Crossfade(user, guide, user.FramesFor(opts.Crossfade))
}

func centeredWindow(c audio.Clip, d time.Duration) audio.Clip {
	n := c.FramesFor(d)
	total := c.Frames()
	if total <= n {
		return c
	}
	start := (total - n) / 2
	return c.Slice(start, start+n)
}

func leadingWindow(c audio.Clip, d time.Duration) audio.Clip {
	return c.Slice(0, c.FramesFor(d))
}

func matchLoudness(a, b audio.Clip) (audio.Clip, audio.Clip) {
	la, lb := a.DBFS(), b.DBFS()
	target := math.Max(la, lb) - headroomDB
	if math.IsInf(target, -1) {
		return a, b
	}
	return a.Gain(gainTo(la, target)), b.Gain(gainTo(lb, target))
}

func gainTo(current, target float64) float64 {
	if math.IsInf(current, -1) {
		return 0
	}
	return target - current
}
