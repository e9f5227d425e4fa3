package modelhost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/voicestudio/internal/audio"
)

func TestPrepareReferenceLongClipTakesWindowAfterLeadIn(t *testing.T) {
	src := ramp(8000, 20*time.Second)

	ref := PrepareReference(src, nil)

	assert.InDelta(t, 15.0, ref.Duration().Seconds(), 1e-9)
	scale := 0.9 / src.Slice(8000, 16*8000).Peak()
	assert.InDelta(t, src.Samples[8000]*scale, ref.Samples[0], 1e-9)
	assert.InDelta(t, 0.9, ref.Peak(), 1e-9)
}

func TestPrepareReferenceShortClipKeptWhole(t *testing.T) {
	src := ramp(8000, 10*time.Second)

	ref := PrepareReference(src, nil)

	assert.Equal(t, src.Frames(), ref.Frames())
	assert.InDelta(t, 0.9, ref.Peak(), 1e-9)
}

func TestPrepareReferenceExplicitWindowIsClipped(t *testing.T) {
	src := ramp(8000, 10*time.Second)
	end := 30.0

	ref := PrepareReference(src, &Window{Start: 8, End: &end})

	assert.InDelta(t, 2.0, ref.Duration().Seconds(), 1e-9)
}

func TestPrepareReferenceSilenceIsNotNormalized(t *testing.T) {
	src := audio.NewMono(make([]float64, 8000), 8000)

	ref := PrepareReference(src, nil)

	assert.Equal(t, 0.0, ref.Peak())
}

func TestPrepareReferenceDownmixes(t *testing.T) {
	src := audio.Clip{Samples: []float64{0.2, 0.4, -0.2, -0.6}, SampleRate: 8000, Channels: 2}

	ref := PrepareReference(src, nil)

	assert.Equal(t, 1, ref.Channels)
	assert.InDeltaSlice(t, []float64{0.3 / 0.4 * 0.9, -0.9}, ref.Samples, 1e-9)
}
