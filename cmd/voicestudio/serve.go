package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/chimera"
	"github.com/ent0n29/voicestudio/internal/config"
	"github.com/ent0n29/voicestudio/internal/httpapi"
	"github.com/ent0n29/voicestudio/internal/modelhost"
	"github.com/ent0n29/voicestudio/internal/observability"
	"github.com/ent0n29/voicestudio/internal/personality"
	"github.com/ent0n29/voicestudio/internal/studio"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API",
		Action: runServe,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Override the bind address",
			},
		},
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.BindAddr = addr
	}

	metrics := observability.NewMetrics(cfg.Server.MetricsNamespace)
	codec := audio.NewCodec(cfg.Audio.FFmpeg, cfg.Audio.MP3Bitrate)
	host := modelhost.New(modelhost.Options{
		ModelsDir: cfg.Models.Dir,
		TempDir:   cfg.Models.TempDir,
		Loader:    processLoader(cfg),
		Audio:     codec,
		Metrics:   metrics,
	})
	store, err := personality.NewStore(cfg.Storage.PersonalitiesDir, metrics)
	if err != nil {
		return err
	}
	segment, crossfade := cfg.Chimera.Durations()
	svc, err := studio.New(ctx, studio.Config{
		OutputDir:     cfg.Storage.OutputDir,
		UploadDir:     cfg.Storage.UploadDir,
		JobTimeout:    cfg.Server.JobTimeout.Std(),
		DefaultFormat: cfg.Audio.DefaultFormat,
		Chimera:       chimera.Options{SegmentDuration: segment, Crossfade: crossfade},
		DatabaseURL:   cfg.Storage.DatabaseURL,
	}, host, store, codec, metrics)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           httpapi.New(cfg, svc, metrics).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.BindAddr).
			Str("job_store", svc.StoreMode()).
			Str("models_dir", cfg.Models.Dir).
			Msg("voicestudio listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		if err := svc.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("job shutdown")
		}
		return host.Close()
	})
	return g.Wait()
}

func processLoader(cfg config.Config) modelhost.ProcessLoader {
	return modelhost.ProcessLoader{
		Python:         cfg.Models.Python,
		Script:         cfg.Models.WorkerScript,
		Device:         cfg.Models.Device,
		StartupTimeout: cfg.Models.StartupTimeout.Std(),
		Transcriber: modelhost.WhisperOptions{
			CLI:       cfg.Whisper.CLI,
			ModelPath: cfg.Whisper.ModelPath,
			Language:  cfg.Whisper.Language,
			Threads:   cfg.Whisper.Threads,
			BeamSize:  cfg.Whisper.BeamSize,
			BestOf:    cfg.Whisper.BestOf,
		},
	}
}
