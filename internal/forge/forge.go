// Package forge builds "smart" personalities: one neutral recording is
// transcribed, an AI guide is generated per emotion from a voice description,
// and each guide is fused with the real recording into a chimera reference.
package forge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/chimera"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/personality"
)

var (
	ErrInvalidRequest = errors.New("invalid smart personality request")
	ErrNoSpeech       = errors.New("no speech detected in source audio")
)

// Host is the subset of the model host the pipeline drives.
type Host interface {
	Transcribe(ctx context.Context, path string, start, end *float64) (string, error)
	Generate(ctx context.Context, req modelhost.Request) (audio.Clip, error)
}

type AudioLoader interface {
	Load(ctx context.Context, path string) (audio.Clip, error)
}

type Request struct {
	Name        string
	Description string
	SourceAudio string
	Emotions    []string
	Language    string
	Chimera     chimera.Options
}

// ProgressFunc receives a stage label and a percentage that never decreases.
type ProgressFunc func(stage string, percent int)

type Forge struct {
	host  Host
	store *personality.Store
	audio AudioLoader
}

func New(host Host, store *personality.Store, loader AudioLoader) *Forge {
	return &Forge{host: host, store: store, audio: loader}
}

const (
	pctCopied   = 5
	pctNeutral  = 10
	pctEmotions = 90
)

// CreateSmart builds and stores the profile. On any failure nothing of the
// profile remains in the store.
func (f *Forge) CreateSmart(ctx context.Context, req Request, progress ProgressFunc) (personality.Record, error) {
	report := monotonic(progress)
	tags, err := validate(req)
	if err != nil {
		return personality.Record{}, err
	}
	report("Validating request", 0)

	draft, err := f.store.Begin(req.Name, personality.KindSmart)
	if err != nil {
		return personality.Record{}, err
	}
	defer draft.Discard()
	logger := log.With().Str("personality", draft.Name()).Logger()

	source, err := f.audio.Load(ctx, req.SourceAudio)
	if err != nil {
		return personality.Record{}, fmt.Errorf("%w: source audio: %v", ErrInvalidRequest, err)
	}
	if source.Empty() {
		return personality.Record{}, fmt.Errorf("%w: source audio is empty", ErrInvalidRequest)
	}
	if err := draft.SetSource(req.SourceAudio); err != nil {
		return personality.Record{}, err
	}
	report("Source audio stored", pctCopied)

	report("Transcribing source audio", pctCopied)
	transcript, err := f.host.Transcribe(ctx, req.SourceAudio, nil, nil)
	if err != nil {
		return personality.Record{}, err
	}
	if transcript == "" {
		return personality.Record{}, ErrNoSpeech
	}
	draft.SetTranscript(transcript)
	if err := draft.AddEmotionFile(personality.NeutralTag, transcript, req.SourceAudio); err != nil {
		return personality.Record{}, err
	}
	report("Neutral voice saved", pctNeutral)
	logger.Info().Int("emotions", len(tags)).Msg("smart personality transcribed")

	span := float64(pctEmotions - pctNeutral)
	step := span
	if len(tags) > 0 {
		step = span / float64(len(tags))
	}
	for i, tag := range tags {
		if err := ctx.Err(); err != nil {
			return personality.Record{}, err
		}
		base := float64(pctNeutral) + step*float64(i)

		report(fmt.Sprintf("Generating %s guide", tag), int(base))
		guide, err := f.host.Generate(ctx, modelhost.Request{
			Text:     transcript,
			Language: req.Language,
			Voice:    modelhost.DescribedVoice{Instruction: instruction(req.Description, tag)},
		})
		if err != nil {
			return personality.Record{}, fmt.Errorf("%s guide: %w", tag, err)
		}
		report(fmt.Sprintf("%s guide generated", tag), int(base+step/2))

		fused, err := chimera.Fuse(source, guide, req.Chimera)
		if err != nil {
			return personality.Record{}, fmt.Errorf("%s chimera: %w", tag, err)
		}
		if err := draft.AddEmotionClip(tag, transcript, fused); err != nil {
			return personality.Record{}, err
		}
		report(fmt.Sprintf("%s chimera fused", tag), int(base+step))
	}

	report("Saving personality", pctEmotions)
	draft.SetDescription(req.Description)
	rec, err := draft.Commit()
	if err != nil {
		return personality.Record{}, err
	}
	report("Completed", 100)
	return rec, nil
}

func validate(req Request) ([]string, error) {
	if personality.SanitizeName(req.Name) == "" {
		return nil, fmt.Errorf("%w: %q", personality.ErrInvalidName, req.Name)
	}
	if strings.TrimSpace(req.SourceAudio) == "" {
		return nil, fmt.Errorf("%w: source audio is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, fmt.Errorf("%w: voice description is required", ErrInvalidRequest)
	}
	if err := req.Chimera.Validate(); err != nil {
		return nil, err
	}
	seen := map[string]bool{strings.ToLower(personality.NeutralTag): true}
	tags := make([]string, 0, len(req.Emotions))
	for _, raw := range req.Emotions {
		tag := personality.SanitizeName(raw)
		if tag == "" {
			return nil, fmt.Errorf("%w: emotion %q", ErrInvalidRequest, raw)
		}
		if seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		tags = append(tags, tag)
	}
	return tags, nil
}

func instruction(description, tag string) string {
	description = strings.TrimRight(strings.TrimSpace(description), ".")
	return fmt.Sprintf("%s. Speak with a %s emotional tone.", description, strings.ReplaceAll(tag, "_", " "))
}

func monotonic(progress ProgressFunc) ProgressFunc {
	last := 0
	return func(stage string, percent int) {
		percent = min(max(percent, last), 100)
		last = percent
		if progress != nil {
			progress(stage, percent)
		}
	}
}
