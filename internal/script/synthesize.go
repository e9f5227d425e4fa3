package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/personality"
)

var (
	ErrEmptyScript         = errors.New("script has no text")
	ErrNoEmotionsAvailable = errors.New("personality has no emotions")
	ErrEmptyResult         = errors.New("script produced no audio")
)

// Generator loads the needed model and synthesizes one request.
type Generator interface {
	Generate(ctx context.Context, req modelhost.Request) (audio.Clip, error)
}

// Warning is a recoverable problem met while voicing a script.
type Warning struct {
	Segment int    `json:"segment"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

type Result struct {
	Audio    audio.Clip
	Warnings []Warning
}

// Progress is told after each segment finishes.
type Progress func(done, total int)

// Synthesize voices each segment with the clone model, using the emotion entry
// named by its tag. Untagged segments and unknown tags use the first entry.
// Segments are resampled to the first segment's rate and joined in order.
func Synthesize(ctx context.Context, gen Generator, segments []Segment, rec personality.Record, language string, progress Progress) (Result, error) {
	if len(segments) == 0 {
		return Result{}, ErrEmptyScript
	}
	if len(rec.Emotions) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoEmotionsAvailable, rec.Name)
	}

	var (
		res   Result
		parts []audio.Clip
		rate  int
	)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		entry, ok := rec.Emotion(seg.Tag)
		if !ok {
			entry = rec.Emotions[0]
			if seg.Tag != "" {
				w := Warning{
					Segment: i,
					Tag:     seg.Tag,
					Message: fmt.Sprintf("unknown emotion %q, using %q", seg.Tag, entry.Tag),
				}
				res.Warnings = append(res.Warnings, w)
				log.Warn().Str("personality", rec.Name).Str("tag", seg.Tag).Str("fallback", entry.Tag).Msg("unknown emotion tag")
			}
		}

		clip, err := gen.Generate(ctx, modelhost.Request{
			Text:     seg.Text,
			Language: language,
			Voice: modelhost.CloneVoice{
				RefAudio: rec.Path(entry),
				RefText:  entry.RefText,
			},
		})
		if err != nil {
			return Result{}, fmt.Errorf("segment %d [%s]: %w", i+1, entry.Tag, err)
		}
		if progress != nil {
			progress(i+1, len(segments))
		}
		if clip.Empty() {
			continue
		}
		clip = clip.Mono()
		if rate == 0 {
			rate = clip.SampleRate
		} else if clip.SampleRate != rate {
			clip = clip.Resample(rate)
		}
		parts = append(parts, clip)
	}
	if len(parts) == 0 {
		return Result{}, ErrEmptyResult
	}
	joined, err := audio.Concat(parts...)
	if err != nil {
		return Result{}, err
	}
	res.Audio = joined
	return res, nil
}
