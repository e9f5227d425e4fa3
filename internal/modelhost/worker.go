package modelhost

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
)

// errWorkerGone marks failures after which the worker process is no longer
// usable and its device memory has been released.
var errWorkerGone = errors.New("model worker exited")

// ProcessLoader runs each synthesis model in its own Python worker process.
// Ending the process is what guarantees the device memory is handed back.
//
// Wire protocol: one JSON object per line in each direction. The worker first
// prints {"id":"ready","ok":true,"memory_bytes":N}; each request carries an id
// that the matching response echoes.
type ProcessLoader struct {
	Python         string
	Script         string
	Device         string
	StartupTimeout time.Duration
	Transcriber    WhisperOptions
}

func (l ProcessLoader) LoadModel(ctx context.Context, kind Kind, dir string) (Model, error) {
	timeout := l.StartupTimeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return startWorker(ctx, l.Python, l.Script, kind, dir, l.Device)
}

func (l ProcessLoader) LoadTranscriber(context.Context) (Transcriber, error) {
	return newWhisperCPP(l.Transcriber)
}

type worker struct {
	kind Kind

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	closed bool
	exited chan struct{}

	memory atomic.Int64
	stderr *tailBuffer
}

type workerRequest struct {
	ID       string `json:"id"`
	Op       string `json:"op"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Mode     string `json:"mode,omitempty"`
	RefAudio string `json:"ref_audio,omitempty"`
	RefText  string `json:"ref_text,omitempty"`
	Speaker  string `json:"speaker,omitempty"`
	Instruct string `json:"instruct,omitempty"`
}

type workerResponse struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	SampleRate  int    `json:"sample_rate"`
	AudioBase64 string `json:"audio_base64"`
	MemoryBytes int64  `json:"memory_bytes"`
}

func startWorker(ctx context.Context, python, script string, kind Kind, dir, device string) (*worker, error) {
	python = strings.TrimSpace(python)
	if python == "" {
		python = "python3"
	}
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("worker script is not configured")
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("worker script not found: %s", script)
	}
	args := []string{"-u", script, "--kind", string(kind), "--model-dir", dir}
	if strings.TrimSpace(device) != "" {
		args = append(args, "--device", device)
	}
	cmd := exec.Command(python, args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &worker{
		kind:   kind,
		cmd:    cmd,
		stdin:  stdin,
		dec:    json.NewDecoder(stdout),
		exited: make(chan struct{}),
		stderr: newTailBuffer(40),
	}
	go w.drainStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(w.exited)
	}()

	ready := make(chan error, 1)
	go func() {
		var resp workerResponse
		if err := w.dec.Decode(&resp); err != nil {
			ready <- err
			return
		}
		if !resp.OK {
			ready <- errors.New(strings.TrimSpace(resp.Error))
			return
		}
		w.memory.Store(resp.MemoryBytes)
		ready <- nil
	}()

	select {
	case err = <-ready:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = w.Close()
		msg := w.stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s worker failed to start: %s", kind, msg)
	}
	return w, nil
}

func (w *worker) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		w.stderr.Add(line)
		log.Debug().Str("kind", w.kind.String()).Str("line", line).Msg("worker stderr")
	}
}

func (w *worker) MemoryUsed() int64 { return w.memory.Load() }

func (w *worker) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	line := workerRequest{
		Op:       "synthesize",
		Text:     req.Text,
		Language: req.Language,
	}
	switch v := req.Voice.(type) {
	case CloneVoice:
		line.Mode, line.RefAudio, line.RefText = "clone", v.RefAudio, v.RefText
	case PresetVoice:
		line.Mode, line.Speaker, line.Instruct = "custom", v.Speaker, v.Style
	case DescribedVoice:
		line.Mode, line.Instruct = "design", v.Instruction
	default:
		return audio.Clip{}, fmt.Errorf("unsupported voice %T", req.Voice)
	}

	resp, err := w.roundTrip(ctx, line)
	if err != nil {
		return audio.Clip{}, err
	}
	if resp.MemoryBytes > 0 {
		w.memory.Store(resp.MemoryBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("decode audio_base64: %w", err)
	}
	clip, err := audio.DecodeWAVBytes(raw)
	if err != nil {
		return audio.Clip{}, err
	}
	if resp.SampleRate > 0 && clip.SampleRate != resp.SampleRate {
		log.Warn().Int("header_rate", clip.SampleRate).Int("reported_rate", resp.SampleRate).Msg("worker sample rate mismatch")
	}
	return clip, nil
}

// roundTrip sends one request and waits for its response. A cancelled context
// kills the worker, since a half-finished exchange cannot be resynchronized.
func (w *worker) roundTrip(ctx context.Context, line workerRequest) (workerResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return workerResponse{}, errWorkerGone
	}

	line.ID = fmt.Sprintf("req-%d", time.Now().UnixNano())
	b, _ := json.Marshal(line)
	b = append(b, '\n')
	if _, err := w.stdin.Write(b); err != nil {
		w.terminate()
		return workerResponse{}, fmt.Errorf("%w: %v", errWorkerGone, err)
	}

	type result struct {
		resp workerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp workerResponse
		err := w.dec.Decode(&resp)
		done <- result{resp, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		w.terminate()
		return workerResponse{}, fmt.Errorf("%w: %v", errWorkerGone, ctx.Err())
	}
	if r.err != nil {
		w.terminate()
		detail := w.stderr.String()
		if detail == "" {
			detail = r.err.Error()
		}
		return workerResponse{}, fmt.Errorf("%w: %s", errWorkerGone, detail)
	}
	if r.resp.ID != line.ID {
		w.terminate()
		return workerResponse{}, fmt.Errorf("%w: out-of-sync (got %q, expected %q)", errWorkerGone, r.resp.ID, line.ID)
	}
	if !r.resp.OK {
		msg := strings.TrimSpace(r.resp.Error)
		if msg == "" {
			msg = "unknown worker error"
		}
		return workerResponse{}, errors.New(msg)
	}
	return r.resp, nil
}

// Close stops the worker and waits for the process to exit.
func (w *worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminate()
	return nil
}

// terminate must be called with mu held.
func (w *worker) terminate() {
	if w.closed {
		<-w.exited
		return
	}
	w.closed = true
	if w.stdin != nil {
		_ = w.stdin.Close()
		w.stdin = nil
	}
	if w.cmd == nil || w.cmd.Process == nil {
		return
	}

	_ = w.cmd.Process.Signal(os.Interrupt)
	select {
	case <-time.After(5 * time.Second):
		_ = w.cmd.Process.Kill()
		<-w.exited
	case <-w.exited:
	}
	w.memory.Store(0)
}

type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

func trimText(s string) string {
	return strings.TrimSpace(s)
}
