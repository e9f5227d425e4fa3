package audio

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, d time.Duration, rate int, amp float64) Clip {
	n := int(d.Seconds() * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return NewMono(out, rate)
}

func TestMonoAveragesChannels(t *testing.T) {
	stereo := Clip{Samples: []float64{1, 0, 0.5, 0.5, -1, 1}, SampleRate: 8000, Channels: 2}

	mono := stereo.Mono()

	assert.Equal(t, 1, mono.Channels)
	assert.Equal(t, []float64{0.5, 0.5, 0}, mono.Samples)
	assert.Equal(t, 3, stereo.Frames())
}

func TestSliceClampsToBounds(t *testing.T) {
	c := NewMono([]float64{0, 1, 2, 3, 4}, 10)

	assert.Equal(t, []float64{1, 2}, c.Slice(1, 3).Samples)
	assert.Equal(t, []float64{3, 4}, c.Slice(3, 99).Samples)
	assert.Empty(t, c.Slice(7, 9).Samples)
	assert.Equal(t, []float64{0, 1}, c.Slice(-5, 2).Samples)
}

func TestSliceTime(t *testing.T) {
	c := NewMono([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10)

	assert.Equal(t, []float64{2, 3, 4}, c.SliceTime(200*time.Millisecond, 500*time.Millisecond).Samples)
	assert.Equal(t, []float64{8, 9}, c.SliceTime(800*time.Millisecond, time.Hour).Samples)
	assert.Empty(t, c.SliceTime(2*time.Second, 3*time.Second).Samples)
}

func TestPeakNormalize(t *testing.T) {
	c := NewMono([]float64{0.1, -0.4, 0.2}, 16000)

	n := c.PeakNormalize(0.9)

	assert.InDelta(t, 0.9, n.Peak(), 1e-12)
	assert.InDelta(t, 0.225, n.Samples[0], 1e-12)

	silent := NewMono(make([]float64, 4), 16000)
	assert.Equal(t, silent.Samples, silent.PeakNormalize(0.9).Samples)
}

func TestDBFSAndGain(t *testing.T) {
	c := NewMono([]float64{0.5, -0.5, 0.5, -0.5}, 16000)
	assert.InDelta(t, 20*math.Log10(0.5), c.DBFS(), 1e-9)

	louder := c.Gain(6)
	assert.InDelta(t, c.DBFS()+6, louder.DBFS(), 1e-9)

	assert.True(t, math.IsInf(NewMono(make([]float64, 3), 8000).DBFS(), -1))
}

func TestCrossfadeLengthAndBlend(t *testing.T) {
	a := NewMono([]float64{1, 1, 1, 1}, 10)
	b := NewMono([]float64{0, 0, 0, 0}, 10)

	out, err := Crossfade(a, b, 2)
	require.NoError(t, err)

	assert.Len(t, out.Samples, 6)
	assert.Equal(t, []float64{1, 1, 1, 0.5, 0, 0}, out.Samples)
}

func TestCrossfadeRejectsMismatchedRates(t *testing.T) {
	_, err := Crossfade(NewMono([]float64{1}, 10), NewMono([]float64{1}, 20), 0)
	assert.ErrorIs(t, err, ErrFormatMismatch)
}

func TestResampleChangesLength(t *testing.T) {
	c := sine(440, time.Second, 24000, 0.5)

	r := c.Resample(16000)

	assert.Equal(t, 16000, r.SampleRate)
	assert.InDelta(t, 16000, r.Frames(), 1)
	assert.LessOrEqual(t, r.Peak(), 0.5+1e-9)
}

func TestWAVRoundTripKeepsShape(t *testing.T) {
	c := sine(220, 250*time.Millisecond, 16000, 0.8)
	path := filepath.Join(t.TempDir(), "tone.wav")

	require.NoError(t, WriteWAVFile(path, c))
	got, err := ReadWAVFile(path)
	require.NoError(t, err)

	assert.Equal(t, 16000, got.SampleRate)
	assert.Equal(t, c.Frames(), got.Frames())
	assert.InDelta(t, c.Peak(), got.Peak(), 1e-3)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAVBytes([]byte("definitely not a wav file"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEncodeWAVBytes(t *testing.T) {
	c := Clip{Samples: []float64{0, 0.5, -0.5, 1}, SampleRate: 8000, Channels: 2}

	b, err := EncodeWAVBytes(c)
	require.NoError(t, err)
	got, err := DecodeWAVBytes(b)
	require.NoError(t, err)

	assert.Equal(t, 2, got.Channels)
	assert.Equal(t, 2, got.Frames())
	assert.InDelta(t, 1.0, got.Samples[3], 1e-3)
}
