package modelhost

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicestudio/internal/audio"
)

const (
	fakeWorkerEnv     = "VOICESTUDIO_FAKE_WORKER"
	fakeWorkerModeEnv = "VOICESTUDIO_FAKE_WORKER_MODE"
)

// TestFakeWorkerProcess is not a real test. The worker tests re-exec the test
// binary into it, so it speaks the worker protocol on stdin and stdout.
func TestFakeWorkerProcess(t *testing.T) {
	if os.Getenv(fakeWorkerEnv) != "1" {
		return
	}
	os.Exit(runFakeWorker(os.Args))
}

func runFakeWorker(args []string) int {
	out := json.NewEncoder(os.Stdout)
	i := slices.Index(args, "--kind")
	if i < 0 || i+1 >= len(args) || !slices.Contains(args, "--model-dir") {
		_ = out.Encode(workerResponse{ID: "ready", Error: "missing --kind or --model-dir"})
		return 2
	}
	if os.Getenv(fakeWorkerModeEnv) == "fail" {
		fmt.Fprintln(os.Stderr, "cuda unavailable")
		_ = out.Encode(workerResponse{ID: "ready", Error: "cuda unavailable"})
		return 1
	}
	_ = out.Encode(workerResponse{ID: "ready", OK: true, MemoryBytes: 123})

	wav, err := audio.EncodeWAVBytes(audio.NewMono(make([]float64, 100), 24000))
	if err != nil {
		return 1
	}
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var req workerRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return 1
		}
		switch req.Text {
		case "boom":
			_ = out.Encode(workerResponse{ID: req.ID, Error: req.Mode + " synthesis: bad text"})
		case "desync":
			_ = out.Encode(workerResponse{ID: "stale", OK: true})
		case "hang":
			time.Sleep(time.Minute)
		default:
			_ = out.Encode(workerResponse{
				ID:          req.ID,
				OK:          true,
				SampleRate:  24000,
				AudioBase64: base64.StdEncoding.EncodeToString(wav),
				MemoryBytes: 456,
			})
		}
	}
	return 0
}

// fakeWorkerCommand returns an executable that stands in for python and a
// script path that exists, both wired to TestFakeWorkerProcess.
func fakeWorkerCommand(t *testing.T, mode string) (string, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker relies on a shell script")
	}
	t.Setenv(fakeWorkerEnv, "1")
	t.Setenv(fakeWorkerModeEnv, mode)

	dir := t.TempDir()
	bin, err := os.Executable()
	require.NoError(t, err)
	python := filepath.Join(dir, "python")
	wrapper := fmt.Sprintf("#!/bin/sh\nexec %q -test.run='^TestFakeWorkerProcess$' -- \"$@\"\n", bin)
	require.NoError(t, os.WriteFile(python, []byte(wrapper), 0o755))
	script := filepath.Join(dir, "worker.py")
	require.NoError(t, os.WriteFile(script, []byte("# unused\n"), 0o644))
	return python, script
}

func startFakeWorker(t *testing.T, mode string) *worker {
	t.Helper()
	python, script := fakeWorkerCommand(t, mode)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := startWorker(ctx, python, script, KindDesign, t.TempDir(), "cpu")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func designRequest(text string) Request {
	return Request{Text: text, Language: "English", Voice: DescribedVoice{Instruction: "a calm narrator"}}
}

func TestWorkerSynthesizesOverProtocol(t *testing.T) {
	w := startFakeWorker(t, "")
	assert.Equal(t, int64(123), w.MemoryUsed())

	clip, err := w.Synthesize(context.Background(), designRequest("hello"))
	require.NoError(t, err)

	assert.Equal(t, 100, clip.Frames())
	assert.Equal(t, 24000, clip.SampleRate)
	assert.Equal(t, int64(456), w.MemoryUsed())

	require.NoError(t, w.Close())
	assert.Equal(t, int64(0), w.MemoryUsed())
	_, err = w.Synthesize(context.Background(), designRequest("again"))
	assert.ErrorIs(t, err, errWorkerGone)
}

func TestWorkerBackendErrorKeepsWorkerUsable(t *testing.T) {
	w := startFakeWorker(t, "")

	_, err := w.Synthesize(context.Background(), designRequest("boom"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errWorkerGone)
	assert.Equal(t, "design synthesis: bad text", err.Error())

	clip, err := w.Synthesize(context.Background(), designRequest("recovered"))
	require.NoError(t, err)
	assert.Equal(t, 100, clip.Frames())
}

func TestWorkerOutOfSyncResponseEndsWorker(t *testing.T) {
	w := startFakeWorker(t, "")

	_, err := w.Synthesize(context.Background(), designRequest("desync"))
	require.ErrorIs(t, err, errWorkerGone)
	assert.Contains(t, err.Error(), "out-of-sync")

	_, err = w.Synthesize(context.Background(), designRequest("hello"))
	assert.ErrorIs(t, err, errWorkerGone)
}

func TestWorkerCancellationKillsProcess(t *testing.T) {
	w := startFakeWorker(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := w.Synthesize(ctx, designRequest("hang"))

	require.ErrorIs(t, err, errWorkerGone)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("worker process still running after cancellation")
	}
	assert.Equal(t, int64(0), w.MemoryUsed())
}

func TestWorkerRejectsUnsupportedVoice(t *testing.T) {
	w := startFakeWorker(t, "")

	_, err := w.Synthesize(context.Background(), Request{Text: "x"})

	assert.ErrorContains(t, err, "unsupported voice")
}

func TestWorkerStartupFailureReportsStderr(t *testing.T) {
	python, script := fakeWorkerCommand(t, "fail")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := startWorker(ctx, python, script, KindBase, t.TempDir(), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "base worker failed to start")
	assert.Contains(t, err.Error(), "cuda unavailable")
}

func TestStartWorkerRequiresScript(t *testing.T) {
	ctx := context.Background()

	_, err := startWorker(ctx, "python3", " ", KindBase, t.TempDir(), "")
	assert.ErrorContains(t, err, "not configured")

	_, err = startWorker(ctx, "python3", filepath.Join(t.TempDir(), "missing.py"), KindBase, t.TempDir(), "")
	assert.ErrorContains(t, err, "not found")
}

func TestProcessLoaderStartsWorker(t *testing.T) {
	python, script := fakeWorkerCommand(t, "")
	loader := ProcessLoader{Python: python, Script: script, StartupTimeout: 10 * time.Second}

	model, err := loader.LoadModel(context.Background(), KindCustom, t.TempDir())
	require.NoError(t, err)
	defer model.Close()

	clip, err := model.Synthesize(context.Background(), Request{
		Text:  "ciao",
		Voice: PresetVoice{Speaker: "Ryan"},
	})
	require.NoError(t, err)
	assert.Equal(t, 24000, clip.SampleRate)
}

func TestTailBufferKeepsLastLines(t *testing.T) {
	tb := newTailBuffer(2)
	for _, line := range []string{"one", "two", "three"} {
		tb.Add(line)
	}
	assert.Equal(t, "two\nthree", tb.String())
}
