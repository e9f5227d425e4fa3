// Package modelhosttest provides an in-memory model loader for tests.
package modelhosttest

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/modelhost"
)

// Loader produces models that return a sine tone whose length follows the
// request text. It is safe for concurrent use.
type Loader struct {
	Rate       int
	Transcript string
	// Delay is applied to every synthesis call; it honors ctx.
	Delay time.Duration
	// Fail makes synthesis fail for the given kind.
	Fail modelhost.Kind

	mu       sync.Mutex
	loads    []modelhost.Kind
	requests []modelhost.Request
}

func (l *Loader) LoadModel(_ context.Context, kind modelhost.Kind, _ string) (modelhost.Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, kind)
	return &model{kind: kind, loader: l}, nil
}

func (l *Loader) LoadTranscriber(context.Context) (modelhost.Transcriber, error) {
	return transcriber{l}, nil
}

// Loads lists the kinds loaded so far, in order.
func (l *Loader) Loads() []modelhost.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]modelhost.Kind(nil), l.loads...)
}

// Requests lists the synthesis requests received so far.
func (l *Loader) Requests() []modelhost.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]modelhost.Request(nil), l.requests...)
}

type model struct {
	kind   modelhost.Kind
	loader *Loader
}

func (m *model) Synthesize(ctx context.Context, req modelhost.Request) (audio.Clip, error) {
	m.loader.mu.Lock()
	m.loader.requests = append(m.loader.requests, req)
	delay, fail, rate := m.loader.Delay, m.loader.Fail, m.loader.Rate
	m.loader.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	if fail != modelhost.KindNone && fail == m.kind {
		return audio.Clip{}, errors.New("synthetic backend failure")
	}
	if rate == 0 {
		rate = 24000
	}
	return Tone(rate, time.Duration(len(req.Text))*10*time.Millisecond+100*time.Millisecond), nil
}

func (m *model) MemoryUsed() int64 { return 2 << 30 }

func (m *model) Close() error { return nil }

type transcriber struct{ l *Loader }

func (t transcriber) Transcribe(context.Context, audio.Clip) (string, error) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	return t.l.Transcript, nil
}

func (transcriber) Close() error { return nil }

// Tone is a 220 Hz sine at half scale.
func Tone(rate int, d time.Duration) audio.Clip {
	n := int(d.Seconds() * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*220*float64(i)/float64(rate))
	}
	return audio.NewMono(out, rate)
}

// ModelsDir creates a models directory holding every synthesis kind.
func ModelsDir(root string) (string, error) {
	dir := filepath.Join(root, "models")
	for _, k := range modelhost.SynthesisKinds {
		if err := os.MkdirAll(filepath.Join(dir, string(k)), 0o755); err != nil {
			return "", err
		}
	}
	return dir, nil
}
