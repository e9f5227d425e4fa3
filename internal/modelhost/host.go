// Package modelhost owns the GPU-resident inference models. At most one
// synthesis model is resident at a time; switching kinds releases the previous
// model and waits for its memory to be reclaimed before the next one loads.
package modelhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/observability"
)

// Model is a loaded synthesis model.
type Model interface {
	Synthesize(ctx context.Context, req Request) (audio.Clip, error)
	// MemoryUsed reports device memory held by the model, in bytes.
	MemoryUsed() int64
	// Close releases the model and returns once its memory is reclaimed.
	Close() error
}

// Transcriber turns speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (string, error)
	Close() error
}

// Loader instantiates models from storage.
type Loader interface {
	LoadModel(ctx context.Context, kind Kind, dir string) (Model, error)
	LoadTranscriber(ctx context.Context) (Transcriber, error)
}

// AudioLoader decodes audio files referenced by requests.
type AudioLoader interface {
	Load(ctx context.Context, path string) (audio.Clip, error)
}

// TranscriptionRate is the sample rate transcribers receive.
const TranscriptionRate = 16000

type Options struct {
	ModelsDir string
	TempDir   string
	Loader    Loader
	Audio     AudioLoader
	Metrics   *observability.Metrics
}

// Host serializes every load, unload, synthesis and transcription call. The
// resident state is mirrored under a separate lock so Status never waits on a
// running operation.
type Host struct {
	modelsDir string
	tempDir   string
	loader    Loader
	audio     AudioLoader
	metrics   *observability.Metrics

	sem chan struct{}

	// Guarded by sem.
	model       Model
	transcriber Transcriber
	closed      bool

	mu     sync.RWMutex
	status Status
}

func New(opts Options) *Host {
	h := &Host{
		modelsDir: opts.ModelsDir,
		tempDir:   opts.TempDir,
		loader:    opts.Loader,
		audio:     opts.Audio,
		metrics:   opts.Metrics,
		sem:       make(chan struct{}, 1),
	}
	if h.audio == nil {
		h.audio = wavLoader{}
	}
	return h
}

func (h *Host) acquire(ctx context.Context) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.closed {
		<-h.sem
		return ErrClosed
	}
	return nil
}

func (h *Host) release() { <-h.sem }

// Status reports the resident kind and its memory use.
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *Host) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
	h.metrics.SetResidentModel(string(s.Kind), s.MemoryBytes)
}

// EnsureLoaded makes kind the resident model. It is a no-op when kind is already
// resident.
func (h *Host) EnsureLoaded(ctx context.Context, kind Kind) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	return h.ensureLoaded(ctx, kind)
}

func (h *Host) ensureLoaded(ctx context.Context, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if h.model != nil && h.Status().Kind == kind {
		return nil
	}
	dir := filepath.Join(h.modelsDir, string(kind))
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s not present at %s", ErrModelNotFound, kind, dir)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	h.unload()

	model, err := h.loader.LoadModel(ctx, kind, dir)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: load %s: %v", ErrBackend, kind, err)
	}
	h.model = model
	h.setStatus(Status{Kind: kind, MemoryBytes: model.MemoryUsed()})

	took := time.Since(start)
	h.metrics.ObserveModelLoad(string(kind), took)
	log.Info().Str("kind", kind.String()).Dur("took", took).Int64("memory_bytes", model.MemoryUsed()).Msg("model loaded")
	return nil
}

// Unload releases the resident synthesis model, if any.
func (h *Host) Unload(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()
	h.unload()
	return nil
}

func (h *Host) unload() {
	if h.model == nil {
		return
	}
	kind := h.Status().Kind
	if err := h.model.Close(); err != nil {
		log.Warn().Err(err).Str("kind", kind.String()).Msg("model close reported an error")
	}
	h.model = nil
	h.setStatus(Status{})
	log.Info().Str("kind", kind.String()).Msg("model unloaded")
}

// Synthesize voices req with the resident model, which must match the voice kind.
func (h *Host) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	if err := h.acquire(ctx); err != nil {
		return audio.Clip{}, err
	}
	defer h.release()
	return h.synthesize(ctx, req)
}

// Generate loads the model the request needs, then synthesizes it, without
// letting another caller swap models in between.
func (h *Host) Generate(ctx context.Context, req Request) (audio.Clip, error) {
	if err := req.validate(); err != nil {
		return audio.Clip{}, err
	}
	if err := h.acquire(ctx); err != nil {
		return audio.Clip{}, err
	}
	defer h.release()
	if err := h.ensureLoaded(ctx, req.Voice.Kind()); err != nil {
		return audio.Clip{}, err
	}
	return h.synthesize(ctx, req)
}

func (h *Host) synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	if h.model == nil {
		return audio.Clip{}, ErrNoModelLoaded
	}
	kind := h.Status().Kind
	if err := req.validate(); err != nil {
		return audio.Clip{}, err
	}
	if want := req.Voice.Kind(); want != kind {
		return audio.Clip{}, fmt.Errorf("%w: %s requested, %s loaded", ErrModelMismatch, want, kind)
	}
	req.Language = req.language()

	switch v := req.Voice.(type) {
	case CloneVoice:
		ref, err := h.prepareReference(ctx, v)
		if err != nil {
			return audio.Clip{}, err
		}
		defer ref.Release()
		v.RefAudio = ref.path
		v.Window = nil
		req.Voice = v
	case PresetVoice:
		sp, _ := LookupSpeaker(v.Speaker)
		v.Speaker = sp.ID
		req.Voice = v
	case DescribedVoice:
	default:
		return audio.Clip{}, fmt.Errorf("%w: unsupported voice %T", ErrInvalidRequest, req.Voice)
	}

	start := time.Now()
	clip, err := h.model.Synthesize(ctx, req)
	h.metrics.ObserveSynthesis(string(kind), time.Since(start), err)
	if err != nil {
		if errors.Is(err, errWorkerGone) {
			// The backend died or was torn down for cancellation; its memory is gone.
			h.unload()
		}
		if ctx.Err() != nil {
			return audio.Clip{}, ctx.Err()
		}
		return audio.Clip{}, fmt.Errorf("%w: %s synthesis: %v", ErrBackend, kind, err)
	}
	if err := clip.Validate(); err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %s synthesis returned %v", ErrBackend, kind, err)
	}
	h.setStatus(Status{Kind: kind, MemoryBytes: h.model.MemoryUsed()})
	return clip.Mono(), nil
}

func (h *Host) prepareReference(ctx context.Context, v CloneVoice) (*tempClip, error) {
	clip, err := h.audio.Load(ctx, v.RefAudio)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: reference audio %s", ErrInvalidRequest, filepath.Base(v.RefAudio))
		}
		return nil, fmt.Errorf("load reference audio: %w", err)
	}
	ref := PrepareReference(clip, v.Window)
	if ref.Empty() {
		return nil, fmt.Errorf("%w: reference window is empty", ErrInvalidRequest)
	}
	return writeTempClip(h.tempDir, ref)
}

// Transcribe returns the trimmed text spoken in the audio file, optionally
// restricted to [start, end) seconds. The transcriber has its own slot and
// does not disturb the resident synthesis model.
func (h *Host) Transcribe(ctx context.Context, path string, start, end *float64) (string, error) {
	clip, err := h.audio.Load(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: load %s: %v", ErrTranscription, filepath.Base(path), err)
	}
	clip = clip.Mono().Resample(TranscriptionRate)
	if start != nil || end != nil {
		clip = clip.SliceTime(window(clip, start, end))
	}
	if clip.Empty() {
		return "", fmt.Errorf("%w: selected audio is empty", ErrTranscription)
	}

	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()

	if h.transcriber == nil {
		loadStart := time.Now()
		t, err := h.loader.LoadTranscriber(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: load transcriber: %v", ErrTranscription, err)
		}
		h.transcriber = t
		took := time.Since(loadStart)
		h.metrics.ObserveModelLoad(string(KindTranscriber), took)
		log.Info().Str("kind", KindTranscriber.String()).Dur("took", took).Msg("model loaded")
	}

	began := time.Now()
	text, err := h.transcriber.Transcribe(ctx, clip)
	h.metrics.ObserveTranscription(time.Since(began))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	return trimText(text), nil
}

// Close releases every resident model. Calls after Close fail with ErrClosed.
func (h *Host) Close() error {
	h.sem <- struct{}{}
	defer h.release()
	if h.closed {
		return nil
	}
	h.closed = true
	h.unload()
	if h.transcriber != nil {
		if err := h.transcriber.Close(); err != nil {
			log.Warn().Err(err).Msg("transcriber close reported an error")
		}
		h.transcriber = nil
	}
	return nil
}

type wavLoader struct{}

func (wavLoader) Load(_ context.Context, path string) (audio.Clip, error) {
	return audio.ReadWAVFile(path)
}
