package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicestudio/internal/audio"
	"github.com/ent0n29/voicestudio/internal/chimera"
)

func chimeraCommand() *cli.Command {
	return &cli.Command{
		Name:  "chimera",
		Usage: "Fuse a real recording with an AI performance into one reference clip",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "source", Usage: "Recording of the real voice"},
			&cli.StringFlag{Name: "ai", Usage: "AI-generated emotional performance"},
			&cli.StringFlag{Name: "out", Usage: "Output WAV path"},
			&cli.IntFlag{Name: "segment-ms", Usage: "Length taken from each clip (default from config)"},
			&cli.IntFlag{Name: "crossfade-ms", Usage: "Overlap at the join (default from config)"},
		},
		Action: runChimera,
	}
}

func runChimera(ctx context.Context, c *cli.Command) error {
	source, ai, out := c.String("source"), c.String("ai"), c.String("out")
	if source == "" || ai == "" || out == "" {
		return errors.New("--source, --ai and --out are required")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	codec := audio.NewCodec(cfg.Audio.FFmpeg, cfg.Audio.MP3Bitrate)
	var opts chimera.Options
	opts.SegmentDuration, opts.Crossfade = cfg.Chimera.Durations()
	if c.IsSet("segment-ms") {
		opts.SegmentDuration = time.Duration(c.Int("segment-ms")) * time.Millisecond
	}
	if c.IsSet("crossfade-ms") {
		opts.Crossfade = time.Duration(c.Int("crossfade-ms")) * time.Millisecond
	}

	src, err := codec.Load(ctx, source)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	guide, err := codec.Load(ctx, ai)
	if err != nil {
		return fmt.Errorf("load ai clip: %w", err)
	}
	fused, err := chimera.Fuse(src, guide, opts)
	if err != nil {
		return err
	}
	if err := audio.WriteWAVFile(out, fused); err != nil {
		return err
	}
	log.Info().
		Str("out", out).
		Dur("duration", fused.Duration()).
		Int("sample_rate", fused.SampleRate).
		Msg("chimera written")
	return nil
}
