package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// ConfigPathEnv names the optional TOML file read before environment overrides.
const ConfigPathEnv = "VOICESTUDIO_CONFIG"

// Config contains all runtime settings for the studio.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Models  ModelsConfig  `toml:"models"`
	Whisper WhisperConfig `toml:"whisper"`
	Storage StorageConfig `toml:"storage"`
	Audio   AudioConfig   `toml:"audio"`
	Chimera ChimeraConfig `toml:"chimera"`
	Log     LogConfig     `toml:"log"`
}

type ServerConfig struct {
	BindAddr         string   `toml:"bind_addr" env:"APP_BIND_ADDR"`
	ShutdownTimeout  Duration `toml:"shutdown_timeout" env:"APP_SHUTDOWN_TIMEOUT"`
	MetricsNamespace string   `toml:"metrics_namespace" env:"APP_METRICS_NAMESPACE"`
	AllowAnyOrigin   bool     `toml:"allow_any_origin" env:"APP_ALLOW_ANY_ORIGIN"`
	JobTimeout       Duration `toml:"job_timeout" env:"APP_JOB_TIMEOUT"`
	MaxUploadBytes   int64    `toml:"max_upload_bytes" env:"APP_MAX_UPLOAD_BYTES"`
}

type ModelsConfig struct {
	Dir            string   `toml:"dir" env:"MODELS_DIR"`
	Python         string   `toml:"python" env:"MODEL_WORKER_PYTHON"`
	WorkerScript   string   `toml:"worker_script" env:"MODEL_WORKER_SCRIPT"`
	Device         string   `toml:"device" env:"MODEL_DEVICE"`
	StartupTimeout Duration `toml:"startup_timeout" env:"MODEL_STARTUP_TIMEOUT"`
	TempDir        string   `toml:"temp_dir" env:"MODEL_TEMP_DIR"`
}

type WhisperConfig struct {
	CLI       string `toml:"cli" env:"LOCAL_WHISPER_CLI"`
	ModelPath string `toml:"model_path" env:"LOCAL_WHISPER_MODEL_PATH"`
	Language  string `toml:"language" env:"LOCAL_WHISPER_LANGUAGE"`
	// 0 means "auto" (picked based on CPU count).
	Threads  int `toml:"threads" env:"LOCAL_WHISPER_THREADS"`
	BeamSize int `toml:"beam_size" env:"LOCAL_WHISPER_BEAM_SIZE"`
	BestOf   int `toml:"best_of" env:"LOCAL_WHISPER_BEST_OF"`
}

type StorageConfig struct {
	OutputDir        string `toml:"output_dir" env:"OUTPUT_DIR"`
	UploadDir        string `toml:"upload_dir" env:"UPLOAD_DIR"`
	PersonalitiesDir string `toml:"personalities_dir" env:"PERSONALITIES_DIR"`
	DatabaseURL      string `toml:"database_url" env:"DATABASE_URL"`
}

type AudioConfig struct {
	FFmpeg        string `toml:"ffmpeg" env:"FFMPEG_PATH"`
	MP3Bitrate    string `toml:"mp3_bitrate" env:"MP3_BITRATE"`
	DefaultFormat string `toml:"default_format" env:"DEFAULT_AUDIO_FORMAT"`
}

type ChimeraConfig struct {
	SegmentMS   int `toml:"segment_ms" env:"CHIMERA_SEGMENT_MS"`
	CrossfadeMS int `toml:"crossfade_ms" env:"CHIMERA_CROSSFADE_MS"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" env:"LOG_FORMAT"`
}

// Duration reads Go duration strings such as "90s" from TOML and env.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddr:         "127.0.0.1:8000",
			ShutdownTimeout:  Duration(15 * time.Second),
			MetricsNamespace: "voicestudio",
			JobTimeout:       Duration(30 * time.Minute),
			MaxUploadBytes:   200 << 20,
		},
		Models: ModelsConfig{
			Dir:            "models",
			Python:         "python3",
			WorkerScript:   "scripts/qwen_worker.py",
			StartupTimeout: Duration(3 * time.Minute),
		},
		Whisper: WhisperConfig{
			CLI:       "whisper-cli",
			ModelPath: "models/whisper/ggml-medium.bin",
			Language:  "it",
			BeamSize:  5,
			BestOf:    5,
		},
		Storage: StorageConfig{
			OutputDir:        "outputs",
			UploadDir:        "uploads",
			PersonalitiesDir: "personalities",
		},
		Audio: AudioConfig{
			FFmpeg:        "ffmpeg",
			MP3Bitrate:    "192k",
			DefaultFormat: "wav",
		},
		Chimera: ChimeraConfig{SegmentMS: 5000, CrossfadeMS: 100},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load applies, in order: defaults, the TOML file at path (or at
// $VOICESTUDIO_CONFIG when path is empty), environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		errs = append(errs, errors.New("server.bind_addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.JobTimeout <= 0 {
		errs = append(errs, errors.New("server.job_timeout must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	for name, dir := range map[string]string{
		"models.dir":                c.Models.Dir,
		"storage.output_dir":        c.Storage.OutputDir,
		"storage.upload_dir":        c.Storage.UploadDir,
		"storage.personalities_dir": c.Storage.PersonalitiesDir,
	} {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Whisper.Threads < 0 || c.Whisper.BeamSize < 1 || c.Whisper.BestOf < 1 {
		errs = append(errs, errors.New("whisper threads must be >= 0, beam_size and best_of >= 1"))
	}
	switch strings.ToLower(c.Audio.DefaultFormat) {
	case "wav", "mp3":
	default:
		errs = append(errs, fmt.Errorf("audio.default_format %q is not wav or mp3", c.Audio.DefaultFormat))
	}
	if c.Chimera.SegmentMS <= 0 || c.Chimera.CrossfadeMS < 0 || c.Chimera.CrossfadeMS >= c.Chimera.SegmentMS {
		errs = append(errs, fmt.Errorf("chimera needs 0 <= crossfade_ms < segment_ms, got %d/%d", c.Chimera.CrossfadeMS, c.Chimera.SegmentMS))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Durations converts the millisecond settings.
func (c ChimeraConfig) Durations() (segment, crossfade time.Duration) {
	return time.Duration(c.SegmentMS) * time.Millisecond, time.Duration(c.CrossfadeMS) * time.Millisecond
}
