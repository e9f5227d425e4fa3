package modelhost

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrModelNotFound  = errors.New("model not found")
	ErrNoModelLoaded  = errors.New("no model loaded")
	ErrModelMismatch  = errors.New("loaded model does not match request")
	ErrInvalidRequest = errors.New("invalid synthesis request")
	ErrUnknownSpeaker = errors.New("unknown speaker")
	ErrBackend        = errors.New("model backend failure")
	ErrTranscription  = errors.New("transcription failed")
	ErrClosed         = errors.New("model host closed")
)

// DefaultLanguage lets the model detect the language from the text.
const DefaultLanguage = "Auto"

// Kind names a resident model.
type Kind string

const (
	KindNone        Kind = ""
	KindBase        Kind = "base"
	KindCustom      Kind = "custom"
	KindDesign      Kind = "design"
	KindTranscriber Kind = "transcriber"
)

// SynthesisKinds are the kinds that can occupy the synthesis slot.
var SynthesisKinds = []Kind{KindBase, KindCustom, KindDesign}

// ParseKind accepts the synthesis kinds only.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindBase, KindCustom, KindDesign:
		return k, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrModelNotFound, s)
}

func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// Voice selects how a request is voiced. The set of implementations is closed:
// CloneVoice, PresetVoice and DescribedVoice.
type Voice interface {
	Kind() Kind
	validate() error
}

// Window bounds a reference clip in seconds. A nil End runs to the end of the clip.
type Window struct {
	Start float64
	End   *float64
}

// CloneVoice imitates the timbre of a reference recording.
type CloneVoice struct {
	RefAudio string
	RefText  string
	Window   *Window
}

func (CloneVoice) Kind() Kind { return KindBase }

func (v CloneVoice) validate() error {
	if strings.TrimSpace(v.RefAudio) == "" {
		return fmt.Errorf("%w: reference audio is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(v.RefText) == "" {
		return fmt.Errorf("%w: reference text is required", ErrInvalidRequest)
	}
	if v.Window != nil && v.Window.End != nil && *v.Window.End <= v.Window.Start {
		return fmt.Errorf("%w: window end %.2f is not after start %.2f", ErrInvalidRequest, *v.Window.End, v.Window.Start)
	}
	return nil
}

// PresetVoice uses one of the built-in speakers with an optional style hint.
type PresetVoice struct {
	Speaker string
	Style   string
}

func (PresetVoice) Kind() Kind { return KindCustom }

func (v PresetVoice) validate() error {
	if _, ok := LookupSpeaker(v.Speaker); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSpeaker, v.Speaker)
	}
	return nil
}

// DescribedVoice is generated from a free-text description.
type DescribedVoice struct {
	Instruction string
}

func (DescribedVoice) Kind() Kind { return KindDesign }

func (v DescribedVoice) validate() error {
	if strings.TrimSpace(v.Instruction) == "" {
		return fmt.Errorf("%w: voice description is required", ErrInvalidRequest)
	}
	return nil
}

// Request is one synthesis call.
type Request struct {
	Text     string
	Language string
	Voice    Voice
}

// Validate checks the request without touching any model.
func (r Request) Validate() error { return r.validate() }

func (r Request) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if r.Voice == nil {
		return fmt.Errorf("%w: voice is required", ErrInvalidRequest)
	}
	return r.Voice.validate()
}

func (r Request) language() string {
	if l := strings.TrimSpace(r.Language); l != "" {
		return l
	}
	return DefaultLanguage
}

// Status is a snapshot of the synthesis slot.
type Status struct {
	Kind        Kind  `json:"kind"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// MemoryGB is device memory in GiB rounded to two decimals.
func (s Status) MemoryGB() float64 {
	gb := float64(s.MemoryBytes) / (1 << 30)
	return float64(int64(gb*100+0.5)) / 100
}
