package studio

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/jobs"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/observability"
	"github.com/ent0n29/voicestudio/internal/personality"
	"github.com/ent0n29/voicestudio/internal/script"
)

// GenerateRequest is a single-voice synthesis, or a tagged script voiced by a
// personality when Personality is set.
type GenerateRequest struct {
	Text        string   `json:"text"`
	Language    string   `json:"language"`
	Mode        string   `json:"mode"`
	RefAudio    string   `json:"ref_audio"`
	RefText     string   `json:"ref_text"`
	StartTime   *float64 `json:"start_time"`
	EndTime     *float64 `json:"end_time"`
	Speaker     string   `json:"speaker"`
	Instruct    string   `json:"instruct"`
	Personality string   `json:"personality"`
	Format      string   `json:"format"`
}

type generationPlan struct {
	kind     modelhost.Kind
	format   string
	text     string
	request  modelhost.Request
	record   *personality.Record
	segments []script.Segment
	language string
}

const (
	pctTokenizing = 20
	pctInference  = 25
	pctInferEnd   = 70
	pctSaving     = 75
	pctConverting = 85
	pctFinalizing = 95
)

// StartGeneration validates req and runs it as a background job.
func (s *Service) StartGeneration(req GenerateRequest) (jobs.Job, error) {
	plan, err := s.plan(req)
	if err != nil {
		return jobs.Job{}, err
	}
	job := s.jobs.Create(jobs.KindGenerate, summarize(plan.text))
	return s.launch(job, func(ctx context.Context, jobID string) (string, error) {
		return s.runGeneration(ctx, jobID, plan)
	})
}

func (s *Service) plan(req GenerateRequest) (generationPlan, error) {
	p := generationPlan{
		text:     strings.TrimSpace(req.Text),
		language: strings.TrimSpace(req.Language),
		format:   strings.ToLower(strings.TrimSpace(req.Format)),
	}
	if p.text == "" {
		return p, fmt.Errorf("%w: text is required", modelhost.ErrInvalidRequest)
	}
	switch p.format {
	case "":
		p.format = s.cfg.DefaultFormat
	case audio.FormatWAV, audio.FormatMP3:
	default:
		return p, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, req.Format)
	}

	if name := strings.TrimSpace(req.Personality); name != "" {
		rec, err := s.store.Get(name)
		if err != nil {
			return p, err
		}
		if len(rec.Emotions) == 0 {
			return p, fmt.Errorf("%w: %s", script.ErrNoEmotionsAvailable, rec.Name)
		}
		p.segments = script.Parse(p.text)
		if len(p.segments) == 0 {
			return p, script.ErrEmptyScript
		}
		p.record = &rec
		p.kind = modelhost.KindBase
		return p, nil
	}

	kind, err := modelhost.ParseKind(req.Mode)
	if err != nil {
		return p, err
	}
	var voice modelhost.Voice
	switch kind {
	case modelhost.KindBase:
		path, err := s.UploadPath(req.RefAudio)
		if err != nil {
			return p, fmt.Errorf("%w: reference audio %v", modelhost.ErrInvalidRequest, err)
		}
		v := modelhost.CloneVoice{RefAudio: path, RefText: req.RefText}
		if req.StartTime != nil || req.EndTime != nil {
			w := &modelhost.Window{End: req.EndTime}
			if req.StartTime != nil {
				w.Start = *req.StartTime
			}
			v.Window = w
		}
		voice = v
	case modelhost.KindCustom:
		voice = modelhost.PresetVoice{Speaker: req.Speaker, Style: req.Instruct}
	case modelhost.KindDesign:
		voice = modelhost.DescribedVoice{Instruction: req.Instruct}
	}
	p.kind = kind
	p.request = modelhost.Request{Text: p.text, Language: p.language, Voice: voice}
	return p, p.request.Validate()
}

func (s *Service) runGeneration(ctx context.Context, jobID string, p generationPlan) (string, error) {
	estimate := estimateDuration(p.text)
	s.progress(jobID, "Preparing model", 0, estimate)
	if s.host.Status().Kind != p.kind {
		s.progress(jobID, "Switching model: "+p.kind.String(), 0, estimate)
		began := time.Now()
		if err := s.host.EnsureLoaded(ctx, p.kind); err != nil {
			return "", err
		}
		s.metrics.ObserveStage(observability.StageModelSwitch, time.Since(began))
	}
	s.progress(jobID, "Tokenizing", pctTokenizing, estimate*8/10)

	began := time.Now()
	clip, err := s.infer(ctx, jobID, p, estimate)
	if err != nil {
		return "", err
	}
	s.metrics.ObserveStage(observability.StageSynthesis, time.Since(began))

	s.progress(jobID, "Saving audio", pctSaving, 2*time.Second)
	if p.format == audio.FormatMP3 && s.codec.CanTranscode() {
		s.progress(jobID, "Converting to MP3", pctConverting, time.Second)
	}
	began = time.Now()
	name, err := s.codec.Export(ctx, clip, s.cfg.OutputDir, uuid.NewString(), p.format)
	if err != nil {
		return "", err
	}
	s.metrics.ObserveStage(observability.StageExport, time.Since(began))
	s.progress(jobID, "Finalizing", pctFinalizing, 0)
	return "/api/audio/" + name, nil
}

// infer runs synthesis while a ticker advances the estimated progress between
// pctInference and pctInferEnd.
func (s *Service) infer(ctx context.Context, jobID string, p generationPlan, estimate time.Duration) (audio.Clip, error) {
	s.progress(jobID, "Generating audio", pctInference, estimate*3/4)

	type outcome struct {
		clip audio.Clip
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if p.record == nil {
			clip, err := s.host.Generate(ctx, p.request)
			done <- outcome{clip, err}
			return
		}
		res, err := script.Synthesize(ctx, s.host, p.segments, *p.record, p.language, func(n, total int) {
			pct := pctInference + n*(pctInferEnd-pctInference)/total
			s.progress(jobID, fmt.Sprintf("Generating segment %d/%d", n, total), pct, 0)
		})
		for _, w := range res.Warnings {
			if err := s.jobs.AddWarning(jobID, w.Message); err != nil {
				break
			}
		}
		done <- outcome{res.Audio, err}
	}()

	began := time.Now()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.clip, out.err
		case <-ticker.C:
			elapsed := time.Since(began)
			pct := pctInference + int(float64(elapsed)/float64(estimate)*float64(pctInferEnd-pctInference))
			s.progress(jobID, "", min(pct, pctInferEnd), max(estimate-elapsed, time.Second))
		}
	}
}

// estimateDuration is a rough synthesis time: 0.1s per character, at least 5s.
func estimateDuration(text string) time.Duration {
	return max(5*time.Second, time.Duration(utf8.RuneCountInString(text))*100*time.Millisecond)
}

func summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= 60 {
		return text
	}
	return string([]rune(text)[:57]) + "..."
}
