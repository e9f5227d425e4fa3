package studio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voicestudio/internal/forge"
	"github.com/ent0n29/voicestudio/internal/jobs"
	"github.com/ent0n29/voicestudio/internal/personality"
)

// SmartRequest asks for a personality derived from one neutral recording.
type SmartRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	SourceAudio string   `json:"source_audio"`
	Emotions    []string `json:"emotions"`
	Language    string   `json:"language"`
	SegmentMS   *int     `json:"segment_ms,omitempty"`
	CrossfadeMS *int     `json:"crossfade_ms,omitempty"`
}

func (s *Service) StartSmartPersonality(req SmartRequest) (jobs.Job, error) {
	if personality.SanitizeName(req.Name) == "" {
		return jobs.Job{}, fmt.Errorf("%w: %q", personality.ErrInvalidName, req.Name)
	}
	if s.store.Exists(req.Name) {
		return jobs.Job{}, fmt.Errorf("%w: %s", personality.ErrAlreadyExists, personality.SanitizeName(req.Name))
	}
	source, err := s.UploadPath(req.SourceAudio)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("%w: source audio %v", forge.ErrInvalidRequest, err)
	}
	opts := s.cfg.Chimera
	if req.SegmentMS != nil {
		opts.SegmentDuration = time.Duration(*req.SegmentMS) * time.Millisecond
	}
	if req.CrossfadeMS != nil {
		opts.Crossfade = time.Duration(*req.CrossfadeMS) * time.Millisecond
	}
	if err := opts.Validate(); err != nil {
		return jobs.Job{}, err
	}
	if strings.TrimSpace(req.Description) == "" {
		return jobs.Job{}, fmt.Errorf("%w: voice description is required", forge.ErrInvalidRequest)
	}

	fr := forge.Request{
		Name:        req.Name,
		Description: req.Description,
		SourceAudio: source,
		Emotions:    req.Emotions,
		Language:    req.Language,
		Chimera:     opts,
	}
	job := s.jobs.Create(jobs.KindSmartPersonality, "smart personality "+strings.TrimSpace(req.Name))
	return s.launch(job, func(ctx context.Context, jobID string) (string, error) {
		rec, err := s.forge.CreateSmart(ctx, fr, func(stage string, percent int) {
			s.progress(jobID, stage, percent, 0)
		})
		if err != nil {
			return "", err
		}
		return rec.Name, nil
	})
}

