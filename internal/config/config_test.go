package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.BindAddr)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout.Std())
	assert.Equal(t, "it", cfg.Whisper.Language)
	assert.Equal(t, 5, cfg.Whisper.BeamSize)
	assert.Equal(t, 5, cfg.Whisper.BestOf)
	assert.Equal(t, "192k", cfg.Audio.MP3Bitrate)
	seg, fade := cfg.Chimera.Durations()
	assert.Equal(t, 5*time.Second, seg)
	assert.Equal(t, 100*time.Millisecond, fade)
	assert.Empty(t, cfg.Storage.DatabaseURL)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "studio.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
bind_addr = ":9000"
job_timeout = "90s"

[whisper]
language = "en"
beam_size = 2

[chimera]
segment_ms = 4000
crossfade_ms = 250
`), 0o644))
	t.Setenv(ConfigPathEnv, path)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("LOCAL_WHISPER_BEST_OF", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9191", cfg.Server.BindAddr, "env wins over file")
	assert.Equal(t, 90*time.Second, cfg.Server.JobTimeout.Std())
	assert.Equal(t, "en", cfg.Whisper.Language)
	assert.Equal(t, 2, cfg.Whisper.BeamSize)
	assert.Equal(t, 3, cfg.Whisper.BestOf)
	assert.Equal(t, 4000, cfg.Chimera.SegmentMS)
	assert.Equal(t, 250, cfg.Chimera.CrossfadeMS)
	assert.Equal(t, "outputs", cfg.Storage.OutputDir, "untouched keys keep defaults")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)

	t.Setenv("CHIMERA_CROSSFADE_MS", "5000")
	_, err := Load("")
	assert.ErrorContains(t, err, "crossfade_ms")

	require.NoError(t, os.Unsetenv("CHIMERA_CROSSFADE_MS"))
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "soon")
	_, err = Load("")
	assert.Error(t, err)

	require.NoError(t, os.Unsetenv("APP_SHUTDOWN_TIMEOUT"))
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load("")
	assert.ErrorContains(t, err, "log.level")
}

func TestLoadMissingFile(t *testing.T) {
	setCoreEnvEmpty(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorContains(t, err, "read config")
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		ConfigPathEnv,
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_JOB_TIMEOUT",
		"MODELS_DIR",
		"LOCAL_WHISPER_LANGUAGE",
		"LOCAL_WHISPER_BEAM_SIZE",
		"LOCAL_WHISPER_BEST_OF",
		"DATABASE_URL",
		"CHIMERA_SEGMENT_MS",
		"CHIMERA_CROSSFADE_MS",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}
