package modelhost

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
)

const (
	// Long references are cut to a window that skips the first second, which
	// is often silence or handling noise.
	maxReferenceDuration = 15 * time.Second
	referenceLeadIn      = time.Second
	referencePeak        = 0.9
)

// PrepareReference downmixes the clip to mono, cuts it to the requested or
// automatic window and peak-normalizes the result.
func PrepareReference(clip audio.Clip, w *Window) audio.Clip {
	mono := clip.Mono()
	var slice audio.Clip
	switch {
	case w != nil:
		slice = mono.SliceTime(window(mono, &w.Start, w.End))
	case mono.Duration() > maxReferenceDuration:
		slice = mono.SliceTime(referenceLeadIn, referenceLeadIn+maxReferenceDuration)
	default:
		slice = mono
	}
	return slice.PeakNormalize(referencePeak)
}

// window converts optional [start, end) seconds into offsets within clip.
func window(clip audio.Clip, start, end *float64) (time.Duration, time.Duration) {
	from, to := time.Duration(0), clip.Duration()
	if start != nil {
		from = seconds(*start)
	}
	if end != nil {
		to = seconds(*end)
	}
	return from, to
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// tempClip is a clip written to a scratch WAV file for the lifetime of one call.
type tempClip struct {
	path string
}

func writeTempClip(dir string, clip audio.Clip) (*tempClip, error) {
	f, err := os.CreateTemp(dir, "voicestudio-ref-*.wav")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	if err := audio.EncodeWAV(f, clip); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return &tempClip{path: path}, nil
}

// Release removes the file. Failures are logged and never returned so they
// cannot mask the caller's own error.
func (t *tempClip) Release() {
	if t == nil || t.path == "" {
		return
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", t.path).Msg("remove temporary reference clip")
	}
	t.path = ""
}

func removeTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("remove temporary directory")
	}
}
