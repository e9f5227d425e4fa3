package personality

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrNotFound       = errors.New("personality not found")
	ErrAlreadyExists  = errors.New("personality already exists")
	ErrInvalidName    = errors.New("invalid personality name")
	ErrInvalidEmotion = errors.New("invalid emotion entry")
	ErrPersistence    = errors.New("personality persistence failed")
)

type Kind string

const (
	KindManual Kind = "manual"
	KindSmart  Kind = "smart"
)

// NeutralTag is the emotion entry holding the speaker's own recording.
const NeutralTag = "neutro"

// Emotion is one reference clip of a personality. File is relative to the
// personality directory.
type Emotion struct {
	Tag     string `json:"tag"`
	File    string `json:"file"`
	RefText string `json:"ref_text"`
}

// Record is a persisted voice profile. Emotions keep the order they were added
// in; the first entry is the fallback reference.
type Record struct {
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	CreatedAt        time.Time `json:"created_at"`
	Kind             Kind      `json:"kind"`
	Description      string    `json:"description,omitempty"`
	SourceAudio      string    `json:"source_audio,omitempty"`
	SourceTranscript string    `json:"source_transcript,omitempty"`
	Emotions         []Emotion `json:"emotions"`

	dir string
}

// Dir is the directory holding the record's files.
func (r Record) Dir() string { return r.dir }

// Emotion looks up an entry by tag, ignoring case. The tag goes through the
// same sanitizing as stored tags, so "very angry" finds "very_angry".
func (r Record) Emotion(tag string) (Emotion, bool) {
	raw := strings.TrimSpace(tag)
	key := SanitizeName(raw)
	for _, e := range r.Emotions {
		if e.Tag == raw || e.Tag == key {
			return e, true
		}
	}
	for _, e := range r.Emotions {
		if strings.EqualFold(e.Tag, key) {
			return e, true
		}
	}
	return Emotion{}, false
}

// Path resolves an entry's audio file.
func (r Record) Path(e Emotion) string {
	return filepath.Join(r.dir, e.File)
}

type Summary struct {
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
	EmotionCount int       `json:"emotion_count"`
}

func (r Record) Summary() Summary {
	return Summary{
		Name:         r.Name,
		DisplayName:  r.DisplayName,
		Kind:         r.Kind,
		CreatedAt:    r.CreatedAt,
		EmotionCount: len(r.Emotions),
	}
}

// SanitizeName maps a display name to a storage key: spaces become
// underscores, letters, digits, '_' and '-' are kept and everything else is
// dropped. The result may be empty.
func SanitizeName(name string) string {
	name = strings.TrimSpace(norm.NFC.String(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}
