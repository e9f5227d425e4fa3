package main

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/ent0n29/voicestudio/internal/config"
)

var version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("voicestudio failed")
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "voicestudio",
		Usage:   "Local text-to-speech studio with model hot-swap and voice personalities",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "TOML config file (defaults to $" + config.ConfigPathEnv + ")",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			statusCommand(),
			personalitiesCommand(),
			scriptCommand(),
			chimeraCommand(),
		},
	}
}

// loadConfig reads the configuration and applies its logging settings.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	configureLogging(cfg.Log, c.Bool("verbose"))
	return cfg, nil
}

func configureLogging(lc config.LogConfig, verbose bool) {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(lc.Format) {
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:     os.Stderr,
			NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
		})
	}
}
