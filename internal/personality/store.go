// Package personality persists voice profiles as one directory per profile.
// Profiles are assembled in a hidden staging directory and renamed into place
// on commit, so readers never observe a partially written profile.
package personality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/observability"
)

const (
	descriptorFile = "profile.json"
	stagingPrefix  = ".staging-"
)

type Store struct {
	dir     string
	metrics *observability.Metrics

	// Serializes commits and deletes.
	mu sync.Mutex
}

// NewStore opens (and creates) the store rooted at dir. Staging directories
// left behind by a crash are removed.
func NewStore(dir string, metrics *observability.Metrics) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("personality directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s := &Store{dir: dir, metrics: metrics}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
			stale := filepath.Join(dir, e.Name())
			if err := os.RemoveAll(stale); err != nil {
				log.Warn().Err(err).Str("path", stale).Msg("remove stale personality staging dir")
			}
		}
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) key(name string) (string, error) {
	key := SanitizeName(name)
	if key == "" || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return key, nil
}

// Exists reports whether a profile with the sanitized form of name is stored.
func (s *Store) Exists(name string) bool {
	key, err := s.key(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(s.path(key), descriptorFile))
	return err == nil
}

// List returns every committed profile sorted by name.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		rec, err := s.read(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("personality", e.Name()).Msg("skip unreadable personality")
			}
			continue
		}
		out = append(out, rec.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Get(name string) (Record, error) {
	key, err := s.key(name)
	if err != nil {
		return Record{}, err
	}
	return s.read(key)
}

func (s *Store) read(key string) (Record, error) {
	dir := s.path(key)
	b, err := os.ReadFile(filepath.Join(dir, descriptorFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Record{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, key, err)
	}
	rec.dir = dir
	return rec, nil
}

// AudioPath resolves the reference clip of one emotion.
func (s *Store) AudioPath(name, tag string) (string, error) {
	rec, err := s.Get(name)
	if err != nil {
		return "", err
	}
	e, ok := rec.Emotion(tag)
	if !ok {
		return "", fmt.Errorf("%w: emotion %q of %s", ErrNotFound, tag, rec.Name)
	}
	path := rec.Path(e)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: audio for %q of %s", ErrNotFound, tag, rec.Name)
	}
	return path, nil
}

// Delete removes a profile. It reports false when no such profile exists.
func (s *Store) Delete(name string) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.path(key)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	// Move aside first so a half-finished removal is never listed.
	trash := filepath.Join(s.dir, stagingPrefix+"delete-"+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		log.Warn().Err(err).Str("path", trash).Msg("remove deleted personality")
	}
	s.metrics.ObservePersonalityChange("delete")
	log.Info().Str("personality", key).Msg("personality deleted")
	return true, nil
}

// EmotionSpec describes one emotion of a manually built profile.
type EmotionSpec struct {
	Tag       string
	RefText   string
	AudioPath string
}

// Create builds a manual profile from existing audio files.
func (s *Store) Create(ctx context.Context, displayName string, specs []EmotionSpec) (Record, error) {
	if len(specs) == 0 {
		return Record{}, fmt.Errorf("%w: at least one emotion is required", ErrInvalidEmotion)
	}
	d, err := s.Begin(displayName, KindManual)
	if err != nil {
		return Record{}, err
	}
	defer d.Discard()
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		if err := d.AddEmotionFile(spec.Tag, spec.RefText, spec.AudioPath); err != nil {
			return Record{}, err
		}
	}
	return d.Commit()
}

// Begin starts staging a new profile. The caller must Commit or Discard it.
func (s *Store) Begin(displayName string, kind Kind) (*Draft, error) {
	key, err := s.key(displayName)
	if err != nil {
		return nil, err
	}
	if s.Exists(key) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	staging := filepath.Join(s.dir, stagingPrefix+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &Draft{
		store:   s,
		staging: staging,
		rec: Record{
			Name:        key,
			DisplayName: strings.TrimSpace(displayName),
			Kind:        kind,
			Emotions:    []Emotion{},
		},
	}, nil
}

// Draft is a profile being assembled in a staging directory.
type Draft struct {
	store   *Store
	staging string
	rec     Record
	done    bool
}

func (d *Draft) Name() string { return d.rec.Name }

func (d *Draft) SetDescription(desc string) { d.rec.Description = strings.TrimSpace(desc) }

// SetSource copies the recording the profile was derived from.
func (d *Draft) SetSource(src string) error {
	name := "source" + strings.ToLower(filepath.Ext(src))
	if err := copyFile(src, filepath.Join(d.staging, name)); err != nil {
		return fmt.Errorf("%w: copy source audio: %v", ErrPersistence, err)
	}
	d.rec.SourceAudio = name
	return nil
}

func (d *Draft) SetTranscript(transcript string) {
	d.rec.SourceTranscript = strings.TrimSpace(transcript)
}

// AddEmotionFile copies an existing audio file as the reference for tag.
func (d *Draft) AddEmotionFile(tag, refText, src string) error {
	file, err := d.reserve(tag, filepath.Ext(src))
	if err != nil {
		return err
	}
	if err := copyFile(src, filepath.Join(d.staging, file)); err != nil {
		return fmt.Errorf("%w: copy %s audio: %v", ErrPersistence, tag, err)
	}
	d.add(tag, file, refText)
	return nil
}

// AddEmotionClip writes clip as the reference for tag.
func (d *Draft) AddEmotionClip(tag, refText string, clip audio.Clip) error {
	file, err := d.reserve(tag, ".wav")
	if err != nil {
		return err
	}
	if err := audio.WriteWAVFile(filepath.Join(d.staging, file), clip); err != nil {
		return fmt.Errorf("%w: write %s audio: %v", ErrPersistence, tag, err)
	}
	d.add(tag, file, refText)
	return nil
}

func (d *Draft) reserve(tag, ext string) (string, error) {
	if d.done {
		return "", fmt.Errorf("%w: draft already finished", ErrPersistence)
	}
	clean := SanitizeName(tag)
	if clean == "" || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("%w: tag %q", ErrInvalidEmotion, tag)
	}
	if _, dup := d.rec.Emotion(clean); dup {
		return "", fmt.Errorf("%w: duplicate tag %q", ErrInvalidEmotion, clean)
	}
	ext = strings.ToLower(ext)
	if ext == "" {
		ext = ".wav"
	}
	return clean + ext, nil
}

func (d *Draft) add(tag, file, refText string) {
	d.rec.Emotions = append(d.rec.Emotions, Emotion{
		Tag:     strings.TrimSuffix(file, filepath.Ext(file)),
		File:    file,
		RefText: strings.TrimSpace(refText),
	})
}

// Commit writes the descriptor and publishes the profile.
func (d *Draft) Commit() (Record, error) {
	if d.done {
		return Record{}, fmt.Errorf("%w: draft already finished", ErrPersistence)
	}
	if len(d.rec.Emotions) == 0 {
		return Record{}, fmt.Errorf("%w: profile has no emotions", ErrInvalidEmotion)
	}
	d.rec.CreatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(d.rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.WriteFile(filepath.Join(d.staging, descriptorFile), b, 0o644); err != nil {
		return Record{}, fmt.Errorf("%w: write descriptor: %v", ErrPersistence, err)
	}

	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	final := s.path(d.rec.Name)
	if _, err := os.Stat(final); err == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, d.rec.Name)
	}
	if err := os.Rename(d.staging, final); err != nil {
		return Record{}, fmt.Errorf("%w: publish: %v", ErrPersistence, err)
	}
	d.done = true
	d.rec.dir = final
	s.metrics.ObservePersonalityChange("create")
	log.Info().Str("personality", d.rec.Name).Str("kind", string(d.rec.Kind)).Int("emotions", len(d.rec.Emotions)).Msg("personality created")
	return d.rec, nil
}

// Discard removes everything staged so far. It is a no-op after Commit.
func (d *Draft) Discard() {
	if d.done {
		return
	}
	d.done = true
	if err := os.RemoveAll(d.staging); err != nil {
		log.Warn().Err(err).Str("path", d.staging).Msg("remove personality staging dir")
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
