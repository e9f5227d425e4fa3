package modelhost

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrependPathEnv(t *testing.T) {
	got := prependPathEnv([]string{"A=1"}, "LD_LIBRARY_PATH", "/tmp/lib")
	assert.Contains(t, got, "LD_LIBRARY_PATH=/tmp/lib")
	assert.Contains(t, got, "A=1")

	got = prependPathEnv([]string{"LD_LIBRARY_PATH=/opt/lib"}, "LD_LIBRARY_PATH", "/tmp/lib")
	assert.Equal(t, []string{"LD_LIBRARY_PATH=/tmp/lib:/opt/lib"}, got)

	got = prependPathEnv([]string{"LD_LIBRARY_PATH=/opt/lib:/tmp/lib"}, "LD_LIBRARY_PATH", "/tmp/lib")
	assert.Equal(t, 1, strings.Count(strings.Join(got, "\n"), "/tmp/lib"), "duplicate path added: %v", got)

	got = prependPathEnv([]string{"LD_LIBRARY_PATH="}, "LD_LIBRARY_PATH", "/tmp/lib")
	assert.Equal(t, []string{"LD_LIBRARY_PATH=/tmp/lib"}, got)
}

func TestInjectLibraryEnv(t *testing.T) {
	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	libDir := filepath.Join(root, "lib")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	toolPath := filepath.Join(binDir, "whisper-cli")
	require.NoError(t, os.WriteFile(toolPath, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	cmd := exec.Command("echo", "ok")
	cmd.Env = []string{"DYLD_FALLBACK_LIBRARY_PATH=/opt/lib"}
	injectLibraryEnv(cmd, toolPath)

	assert.Contains(t, cmd.Env, "DYLD_FALLBACK_LIBRARY_PATH="+libDir+":/opt/lib")
	assert.Contains(t, cmd.Env, "LD_LIBRARY_PATH="+libDir)
}

func TestInjectLibraryEnvWithoutLibDir(t *testing.T) {
	toolPath := filepath.Join(t.TempDir(), "whisper-cli")

	cmd := exec.Command("echo", "ok")
	cmd.Env = []string{"A=1"}
	injectLibraryEnv(cmd, toolPath)

	assert.Equal(t, []string{"A=1"}, cmd.Env)
}

// fakeWhisperCLI writes a stand-in whisper.cpp CLI that honors -of.
func fakeWhisperCLI(t *testing.T, body string) (cli, model string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake whisper CLI is a shell script")
	}
	dir := t.TempDir()
	cli = filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(cli, []byte("#!/bin/sh\n"+body), 0o755))
	model = filepath.Join(dir, "ggml-base.bin")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0o644))
	return cli, model
}

func TestWhisperTranscribesThroughCLI(t *testing.T) {
	cli, model := fakeWhisperCLI(t, `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; fi
  shift
done
printf '  buongiorno a tutti \n' > "$out.txt"
`)
	w, err := newWhisperCPP(WhisperOptions{CLI: cli, ModelPath: model, Language: "it"})
	require.NoError(t, err)
	assert.Equal(t, 5, w.beamSize)
	assert.Equal(t, 5, w.bestOf)
	assert.GreaterOrEqual(t, w.threads, 2)

	text, err := w.Transcribe(context.Background(), tone(48000, 500*time.Millisecond, 0.3))
	require.NoError(t, err)
	assert.Equal(t, "buongiorno a tutti", text)
}

func TestWhisperReportsCLIFailure(t *testing.T) {
	cli, model := fakeWhisperCLI(t, "echo 'failed to load model' >&2\nexit 3\n")
	w, err := newWhisperCPP(WhisperOptions{CLI: cli, ModelPath: model})
	require.NoError(t, err)

	_, err = w.Transcribe(context.Background(), tone(16000, 200*time.Millisecond, 0.3))

	assert.ErrorContains(t, err, "whisper.cpp failed: failed to load model")
}

func TestNewWhisperValidatesOptions(t *testing.T) {
	cli, model := fakeWhisperCLI(t, "exit 0\n")

	_, err := newWhisperCPP(WhisperOptions{CLI: filepath.Join(t.TempDir(), "nope")})
	assert.ErrorContains(t, err, "CLI not found")

	_, err = newWhisperCPP(WhisperOptions{CLI: cli})
	assert.ErrorContains(t, err, "model path is required")

	_, err = newWhisperCPP(WhisperOptions{CLI: cli, ModelPath: model + ".missing"})
	assert.ErrorContains(t, err, "model not found")

	_, err = newWhisperCPP(WhisperOptions{CLI: cli, ModelPath: model, Threads: -1})
	assert.ErrorContains(t, err, "threads must be >= 0")
}
