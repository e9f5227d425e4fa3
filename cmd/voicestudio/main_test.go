package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/config"
	"github.com/ent0n29/voicestudio/internal/personality"
)

func writeConfig(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "voicestudio.toml")
	body := fmt.Sprintf(`
[storage]
personalities_dir = %q

[audio]
ffmpeg = "voicestudio-no-such-ffmpeg"

[chimera]
segment_ms = 400
crossfade_ms = 50
`, filepath.Join(root, "personalities"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func sine(rate int, d time.Duration, freq float64) audio.Clip {
	n := int(d.Seconds() * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.4 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return audio.NewMono(out, rate)
}

func TestChimeraCommandUsesConfigDefaults(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	src := filepath.Join(root, "real.wav")
	ai := filepath.Join(root, "ai.wav")
	out := filepath.Join(root, "fused.wav")
	require.NoError(t, audio.WriteWAVFile(src, sine(16000, 2*time.Second, 200)))
	require.NoError(t, audio.WriteWAVFile(ai, sine(16000, time.Second, 330)))

	err := newApp().Run(context.Background(), []string{"voicestudio", "--config", cfgPath,
		"chimera", "--source", src, "--ai", ai, "--out", out})
	require.NoError(t, err)

	fused, err := audio.ReadWAVFile(out)
	require.NoError(t, err)
	// Two 400ms windows overlapping by 50ms.
	assert.InDelta(t, 0.75, fused.Duration().Seconds(), 0.002)
}

func TestChimeraCommandRequiresPaths(t *testing.T) {
	root := t.TempDir()
	err := newApp().Run(context.Background(), []string{"voicestudio", "--config", writeConfig(t, root),
		"chimera", "--source", "a.wav"})
	require.Error(t, err)
}

func TestPersonalitiesCommands(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	store, err := personality.NewStore(filepath.Join(root, "personalities"), nil)
	require.NoError(t, err)
	ref := filepath.Join(root, "ref.wav")
	require.NoError(t, audio.WriteWAVFile(ref, sine(16000, time.Second, 200)))
	_, err = store.Create(context.Background(), "Nonna Rosa", []personality.EmotionSpec{
		{Tag: "felice", RefText: "ciao a tutti", AudioPath: ref},
	})
	require.NoError(t, err)

	run := func(args ...string) error {
		return newApp().Run(context.Background(), append([]string{"voicestudio", "--config", cfgPath}, args...))
	}
	require.NoError(t, run("personalities", "list"))
	require.NoError(t, run("personalities", "show", "Nonna Rosa"))
	require.NoError(t, run("personalities", "delete", "Nonna Rosa"))
	assert.False(t, store.Exists("Nonna Rosa"))
	assert.ErrorIs(t, run("personalities", "delete", "Nonna Rosa"), personality.ErrNotFound)
	assert.Error(t, run("personalities", "show"))
}

func TestScriptParseCommand(t *testing.T) {
	root := t.TempDir()
	cfgPath := writeConfig(t, root)
	run := func(args ...string) error {
		return newApp().Run(context.Background(), append([]string{"voicestudio", "--config", cfgPath}, args...))
	}
	require.NoError(t, run("script", "parse", "[felice] Ciao! [triste] Addio."))
	assert.Error(t, run("script", "parse", "   "))
}

func TestStatusCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model_loaded":"custom","vram_used_gb":2.0,"vram_used":"2.0 GiB"}`))
	}))
	defer ts.Close()

	require.NoError(t, newApp().Run(context.Background(), []string{"voicestudio", "status", "--url", ts.URL + "/"}))

	ts404 := httptest.NewServer(http.NotFoundHandler())
	defer ts404.Close()
	assert.Error(t, newApp().Run(context.Background(), []string{"voicestudio", "status", "--url", ts404.URL}))
}

func TestConfigureLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configureLogging(config.LogConfig{Level: "warn", Format: "json"}, false)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	configureLogging(config.LogConfig{Level: "", Format: "console"}, false)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	configureLogging(config.LogConfig{Level: "error"}, true)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
