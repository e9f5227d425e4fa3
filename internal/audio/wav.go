package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

const pcm16Max = 32767

// DecodeWAV reads an integer PCM WAV stream into a Clip, keeping its channel
// layout.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != 1 {
		return Clip{}, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = buf.SourceBitDepth
	}
	if depth <= 0 || depth > 32 {
		return Clip{}, fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, depth)
	}

	full := float64(int64(1) << (depth - 1))
	samples := make([]float64, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			// 8-bit WAV is unsigned.
			v -= 128
		}
		samples[i] = float64(v) / full
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return Clip{Samples: samples, SampleRate: int(dec.SampleRate), Channels: channels}, nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

// EncodeWAV writes the clip as 16-bit PCM WAV.
func EncodeWAV(out io.WriteSeeker, c Clip) error {
	if err := c.Validate(); err != nil {
		return err
	}
	ch := c.channels()
	enc := wav.NewEncoder(out, c.SampleRate, 16, ch, 1)
	data := make([]int, len(c.Samples))
	for i, s := range c.Samples {
		data[i] = toPCM16(s)
	}
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{SampleRate: c.SampleRate, NumChannels: ch},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	return enc.Close()
}

// WriteWAVFile writes the clip as a 16-bit PCM WAV file at path.
func WriteWAVFile(path string, c Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := EncodeWAV(f, c); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// EncodeWAVBytes returns the clip as an in-memory 16-bit PCM WAV.
func EncodeWAVBytes(c Clip) ([]byte, error) {
	var ws writeSeeker
	if err := EncodeWAV(&ws, c); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// DecodeWAVBytes decodes an in-memory WAV.
func DecodeWAVBytes(b []byte) (Clip, error) {
	return DecodeWAV(bytes.NewReader(b))
}

func toPCM16(s float64) int {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int(math.Round(s * pcm16Max))
}

// writeSeeker is the minimal io.WriteSeeker the wav encoder needs to patch its
// header sizes in memory.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	end := w.pos + len(p)
	if end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, max(end, 2*cap(w.buf)))
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	copy(w.buf[w.pos:], p)
	w.pos = end
	return len(p), nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(w.pos) + offset
	case io.SeekEnd:
		next = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	w.pos = int(next)
	return next, nil
}
