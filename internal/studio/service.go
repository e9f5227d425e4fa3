// Package studio runs generation and personality jobs on top of the model host
// and exposes the operations the HTTP and CLI layers drive.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/chimera"
	"github.com/ent0n29/voicestudio/internal/forge"
	"github.com/ent0n29/voicestudio/internal/jobs"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/observability"
	"github.com/ent0n29/voicestudio/internal/personality"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrFileNotFound   = errors.New("file not found")
	ErrInternal       = errors.New("internal error")
)

type Config struct {
	OutputDir     string
	UploadDir     string
	JobTimeout    time.Duration
	DefaultFormat string
	Chimera       chimera.Options
	DatabaseURL   string
}

type Service struct {
	cfg       Config
	host      *modelhost.Host
	store     *personality.Store
	forge     *forge.Forge
	codec     *audio.Codec
	jobs      *jobs.Manager
	jobStore  jobs.Store
	storeMode string
	metrics   *observability.Metrics

	// Interval of estimated progress updates during inference.
	tick time.Duration

	wg             sync.WaitGroup
	mu             sync.Mutex
	runningCancels map[string]context.CancelFunc
}

func New(ctx context.Context, cfg Config, host *modelhost.Host, store *personality.Store, codec *audio.Codec, metrics *observability.Metrics) (*Service, error) {
	if host == nil || store == nil || codec == nil {
		return nil, errors.New("studio requires a model host, personality store and codec")
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = audio.FormatWAV
	}
	if cfg.Chimera == (chimera.Options{}) {
		cfg.Chimera = chimera.DefaultOptions()
	}
	for _, dir := range []string{cfg.OutputDir, cfg.UploadDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, errors.New("output and upload directories are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	manager := jobs.NewManager(metrics)
	storeMode := "in-memory"
	jobStore, err := jobs.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn().Err(err).Msg("job store unavailable; keeping job history in memory")
	} else if jobStore != nil {
		manager.SetStore(jobStore)
		storeMode = "postgres"
	}

	return &Service{
		cfg:            cfg,
		host:           host,
		store:          store,
		forge:          forge.New(host, store, codec),
		codec:          codec,
		jobs:           manager,
		jobStore:       jobStore,
		storeMode:      storeMode,
		metrics:        metrics,
		tick:           500 * time.Millisecond,
		runningCancels: make(map[string]context.CancelFunc),
	}, nil
}

func (s *Service) StoreMode() string { return s.storeMode }

func (s *Service) Status() modelhost.Status { return s.host.Status() }

// unloadModel is the switch target that empties the synthesis slot.
const unloadModel = "none"

// SwitchModel makes kind the resident synthesis model. The kind "none"
// unloads whatever is resident.
func (s *Service) SwitchModel(ctx context.Context, kind string) (modelhost.Status, error) {
	if strings.EqualFold(strings.TrimSpace(kind), unloadModel) {
		if err := s.host.Unload(ctx); err != nil {
			return modelhost.Status{}, err
		}
		return s.host.Status(), nil
	}
	k, err := modelhost.ParseKind(kind)
	if err != nil {
		return modelhost.Status{}, err
	}
	if err := s.host.EnsureLoaded(ctx, k); err != nil {
		return modelhost.Status{}, err
	}
	return s.host.Status(), nil
}

func (s *Service) Speakers() []modelhost.Speaker { return modelhost.Speakers() }

// SaveUpload stores an uploaded file under a unique name and returns that name.
func (s *Service) SaveUpload(original string, r io.Reader) (string, error) {
	base := strings.ReplaceAll(filepath.Base(strings.TrimSpace(original)), " ", "_")
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "upload.wav"
	}
	name := uuid.NewString() + "_" + strings.TrimLeft(base, ".")
	f, err := os.OpenFile(filepath.Join(s.cfg.UploadDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		if rmErr := os.Remove(f.Name()); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", f.Name()).Msg("remove partial upload")
		}
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return name, nil
}

func (s *Service) UploadPath(name string) (string, error) { return resolve(s.cfg.UploadDir, name) }

func (s *Service) OutputPath(name string) (string, error) { return resolve(s.cfg.OutputDir, name) }

// resolve maps a bare file name into dir. Names carrying any path component
// are rejected.
func resolve(dir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	return path, nil
}

func (s *Service) Transcribe(ctx context.Context, upload string, start, end *float64) (string, error) {
	path, err := s.UploadPath(upload)
	if err != nil {
		return "", err
	}
	return s.host.Transcribe(ctx, path, start, end)
}

func (s *Service) Personalities() ([]personality.Summary, error) { return s.store.List() }

func (s *Service) Personality(name string) (personality.Record, error) { return s.store.Get(name) }

func (s *Service) DeletePersonality(name string) (bool, error) { return s.store.Delete(name) }

func (s *Service) PersonalityAudio(name, tag string) (string, error) {
	return s.store.AudioPath(name, tag)
}

// EmotionUpload names an uploaded clip to use as one emotion reference.
type EmotionUpload struct {
	Tag      string `json:"tag"`
	RefText  string `json:"ref_text"`
	Filename string `json:"filename"`
}

// CreatePersonality builds a manual personality from uploaded clips.
func (s *Service) CreatePersonality(ctx context.Context, name string, emotions []EmotionUpload) (personality.Record, error) {
	specs := make([]personality.EmotionSpec, 0, len(emotions))
	for _, e := range emotions {
		path, err := s.UploadPath(e.Filename)
		if err != nil {
			return personality.Record{}, err
		}
		specs = append(specs, personality.EmotionSpec{Tag: e.Tag, RefText: e.RefText, AudioPath: path})
	}
	return s.store.Create(ctx, name, specs)
}

func (s *Service) Job(id string) (jobs.Job, error) { return s.jobs.Get(id) }

func (s *Service) Jobs(limit int) []jobs.Job { return s.jobs.List(limit) }

func (s *Service) JobProgress(id string) (jobs.Progress, error) { return s.jobs.Snapshot(id) }

func (s *Service) SubscribeJob(id string) (<-chan jobs.Progress, func(), error) {
	return s.jobs.Subscribe(id)
}

// CancelJob stops a running job. The driver observes the cancellation at its
// next suspension point.
func (s *Service) CancelJob(id string) (jobs.Job, error) {
	if cancel := s.getRunningCancel(id); cancel != nil {
		cancel()
	}
	return s.jobs.Cancel(id, "cancelled by user")
}

// launch starts run in the background under a job-scoped context.
func (s *Service) launch(job jobs.Job, run func(ctx context.Context, jobID string) (string, error)) (jobs.Job, error) {
	started, err := s.jobs.Start(job.ID)
	if err != nil {
		return jobs.Job{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	s.setRunningCancel(job.ID, cancel)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.clearRunningCancel(job.ID)

		logger := log.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()
		began := time.Now()
		result, runErr := safeRun(ctx, job.ID, run)
		s.metrics.ObserveStage(observability.StageJobTotal, time.Since(began))
		var outcome string
		switch {
		case runErr == nil:
			outcome = "completed"
			_, err = s.jobs.Complete(job.ID, result)
			logger.Info().Dur("took", time.Since(began)).Str("result", result).Msg("job completed")
		case errors.Is(runErr, context.Canceled):
			outcome = "cancelled"
			_, err = s.jobs.Cancel(job.ID, "cancelled")
			logger.Info().Msg("job cancelled")
		case errors.Is(runErr, context.DeadlineExceeded):
			outcome = "timed_out"
			_, err = s.jobs.Fail(job.ID, fmt.Sprintf("timed out after %s", s.cfg.JobTimeout))
			logger.Warn().Dur("timeout", s.cfg.JobTimeout).Msg("job timed out")
		default:
			outcome = "failed"
			_, err = s.jobs.Fail(job.ID, runErr.Error())
			logger.Error().Err(runErr).Msg("job failed")
		}
		s.metrics.ObserveOutcome(string(job.Kind), outcome)
		if err != nil && !errors.Is(err, jobs.ErrInvalidJobState) {
			logger.Warn().Err(err).Msg("record job outcome")
		}
	}()
	return started, nil
}

func safeRun(ctx context.Context, jobID string, run func(ctx context.Context, jobID string) (string, error)) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", jobID).Interface("panic", r).Msg("job driver panicked")
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return run(ctx, jobID)
}

// progress records one advisory step; failures only mean the job already ended.
func (s *Service) progress(jobID, stage string, percent int, eta time.Duration) {
	if err := s.jobs.Update(jobID, stage, percent, int(eta.Round(time.Second).Seconds())); err != nil {
		log.Debug().Err(err).Str("job_id", jobID).Msg("progress update dropped")
	}
}

func (s *Service) setRunningCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[id] = cancel
}

func (s *Service) getRunningCancel(id string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCancels[id]
}

func (s *Service) clearRunningCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, id)
}

// Close cancels running jobs and waits for their drivers to return.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.runningCancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.jobs.Close()
	if s.jobStore != nil {
		if cerr := s.jobStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
