package modelhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ent0n29/voicestudio/internal/audio"
)

type WhisperOptions struct {
	CLI       string
	ModelPath string
	Language  string
	Threads   int
	BeamSize  int
	BestOf    int
}

// whisperCPP shells out to the whisper.cpp CLI. Decoding is pinned to
// temperature 0 without fallback so repeated runs give the same text.
type whisperCPP struct {
	cliPath   string
	modelPath string
	language  string
	threads   int
	beamSize  int
	bestOf    int
}

func newWhisperCPP(opts WhisperOptions) (*whisperCPP, error) {
	cli := strings.TrimSpace(opts.CLI)
	if cli == "" {
		cli = "whisper-cli"
	}
	cliPath, err := exec.LookPath(cli)
	if err != nil {
		return nil, fmt.Errorf("whisper.cpp CLI not found (%s)", cli)
	}
	modelPath := strings.TrimSpace(opts.ModelPath)
	if modelPath == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}
	if !filepath.IsAbs(modelPath) {
		if wd, err := os.Getwd(); err == nil {
			modelPath = filepath.Join(wd, modelPath)
		}
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper.cpp model not found: %s", modelPath)
	}
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "auto"
	}

	threads := opts.Threads
	if threads < 0 {
		return nil, fmt.Errorf("whisper threads must be >= 0")
	}
	if threads == 0 {
		threads = min(max(runtime.NumCPU(), 2), 8)
	}
	beamSize := opts.BeamSize
	if beamSize <= 0 {
		beamSize = 5
	}
	bestOf := opts.BestOf
	if bestOf <= 0 {
		bestOf = 5
	}

	return &whisperCPP{
		cliPath:   cliPath,
		modelPath: modelPath,
		language:  language,
		threads:   threads,
		beamSize:  beamSize,
		bestOf:    bestOf,
	}, nil
}

func (w *whisperCPP) Transcribe(ctx context.Context, clip audio.Clip) (string, error) {
	if clip.Empty() {
		return "", nil
	}
	tmpDir, err := os.MkdirTemp("", "voicestudio-whisper-*")
	if err != nil {
		return "", err
	}
	defer removeTempDir(tmpDir)

	wavPath := filepath.Join(tmpDir, "audio.wav")
	if err := audio.WriteWAVFile(wavPath, clip.Mono().Resample(TranscriptionRate)); err != nil {
		return "", err
	}
	outPrefix := filepath.Join(tmpDir, "out")

	args := []string{
		"-m", w.modelPath,
		"-f", wavPath,
		"-l", w.language,
		"-otxt",
		"-of", outPrefix,
		"-nt",
		"-tp", "0",
		"-nf",
		"-t", strconv.Itoa(w.threads),
		"-bs", strconv.Itoa(w.beamSize),
		"-bo", strconv.Itoa(w.bestOf),
	}

	cmd := exec.CommandContext(ctx, w.cliPath, args...)
	injectLibraryEnv(cmd, w.cliPath)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", context.Canceled
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("whisper.cpp timed out")
		}
		detail := strings.TrimSpace(stderr.String())
		// whisper.cpp is chatty; keep the tail.
		if len(detail) > 8<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(8<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("whisper.cpp failed: %s", detail)
	}

	b, err := os.ReadFile(outPrefix + ".txt")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (w *whisperCPP) Close() error { return nil }

// injectLibraryEnv points the dynamic loader at a lib/ directory shipped next
// to the CLI binary, as local whisper.cpp builds do.
func injectLibraryEnv(cmd *exec.Cmd, toolPath string) {
	toolDir := filepath.Dir(strings.TrimSpace(toolPath))
	libDir := ""
	for _, candidate := range []string{
		filepath.Clean(filepath.Join(toolDir, "..", "lib")),
		filepath.Clean(filepath.Join(toolDir, "lib")),
	} {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			libDir = candidate
			break
		}
	}
	if libDir == "" {
		return
	}
	env := cmd.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = prependPathEnv(env, "LD_LIBRARY_PATH", libDir)
	env = prependPathEnv(env, "DYLD_FALLBACK_LIBRARY_PATH", libDir)
	cmd.Env = env
}

func prependPathEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if !strings.HasPrefix(env[i], prefix) {
			continue
		}
		current := strings.TrimPrefix(env[i], prefix)
		for _, item := range filepath.SplitList(current) {
			if filepath.Clean(item) == value {
				return env
			}
		}
		if strings.TrimSpace(current) == "" {
			env[i] = prefix + value
		} else {
			env[i] = prefix + value + string(os.PathListSeparator) + current
		}
		return env
	}
	return append(env, prefix+value)
}
