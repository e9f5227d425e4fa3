package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

var ErrEncoderUnavailable = errors.New("audio encoder unavailable")

// Codec converts between Clips and container formats. WAV is handled natively;
// everything else goes through an ffmpeg binary when one is available.
type Codec struct {
	ffmpegPath string
	bitrate    string
}

// NewCodec resolves the ffmpeg binary. A missing binary is not an error: the
// codec then only speaks WAV.
func NewCodec(ffmpeg, bitrate string) *Codec {
	c := &Codec{bitrate: strings.TrimSpace(bitrate)}
	if c.bitrate == "" {
		c.bitrate = "192k"
	}
	ffmpeg = strings.TrimSpace(ffmpeg)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if path, err := exec.LookPath(ffmpeg); err == nil {
		c.ffmpegPath = path
	} else {
		log.Warn().Str("ffmpeg", ffmpeg).Msg("ffmpeg not found; compressed formats disabled")
	}
	return c
}

// CanTranscode reports whether non-WAV containers are supported.
func (c *Codec) CanTranscode() bool {
	return c != nil && c.ffmpegPath != ""
}

// Load decodes an audio file of any supported container.
func (c *Codec) Load(ctx context.Context, path string) (Clip, error) {
	clip, err := ReadWAVFile(path)
	if err == nil {
		return clip, nil
	}
	if !errors.Is(err, ErrUnsupportedFormat) {
		return Clip{}, err
	}
	if !c.CanTranscode() {
		return Clip{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	tmpDir, err := os.MkdirTemp("", "voicestudio-decode-*")
	if err != nil {
		return Clip{}, err
	}
	defer removeAll(tmpDir)

	wavPath := filepath.Join(tmpDir, "decoded.wav")
	if err := c.run(ctx, "-i", path, "-vn", "-acodec", "pcm_s16le", wavPath); err != nil {
		return Clip{}, fmt.Errorf("convert %s: %w", filepath.Base(path), err)
	}
	return ReadWAVFile(wavPath)
}

// Export writes the clip to dir as base.<format> and returns the written file
// name. Formats other than WAV fall back to WAV when ffmpeg is missing or fails.
func (c *Codec) Export(ctx context.Context, clip Clip, dir, base, format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	wavName := base + "." + FormatWAV
	wavPath := filepath.Join(dir, wavName)
	if err := WriteWAVFile(wavPath, clip); err != nil {
		return "", err
	}
	if format == "" || format == FormatWAV {
		return wavName, nil
	}
	if !c.CanTranscode() {
		log.Warn().Str("format", format).Msg("encoder unavailable; keeping wav output")
		return wavName, nil
	}

	name := base + "." + format
	args := []string{"-i", wavPath, "-vn"}
	if format == FormatMP3 {
		args = append(args, "-b:a", c.bitrate)
	}
	args = append(args, filepath.Join(dir, name))
	if err := c.run(ctx, args...); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Warn().Err(err).Str("format", format).Msg("transcode failed; keeping wav output")
		return wavName, nil
	}
	if err := os.Remove(wavPath); err != nil {
		log.Warn().Err(err).Str("path", wavPath).Msg("remove intermediate wav")
	}
	return name, nil
}

func (c *Codec) run(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, c.ffmpegPath, full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: ffmpeg: %s", ErrEncoderUnavailable, detail)
	}
	return nil
}

func removeAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("cleanup temp dir")
	}
}
