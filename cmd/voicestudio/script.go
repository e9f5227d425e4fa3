package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicestudio/internal/script"
)

func scriptCommand() *cli.Command {
	return &cli.Command{
		Name:  "script",
		Usage: "Work with [tag] scripts",
		Commands: []*cli.Command{
			{
				Name:      "parse",
				Usage:     "Print the segments of a tagged script",
				ArgsUsage: "<text>",
				Action: func(_ context.Context, c *cli.Command) error {
					text := strings.Join(c.Args().Slice(), " ")
					if strings.TrimSpace(text) == "" {
						return errors.New("script text is required")
					}
					enc := json.NewEncoder(os.Stdout)
					for _, seg := range script.Parse(text) {
						if err := enc.Encode(seg); err != nil {
							return err
						}
					}
					return nil
				},
			},
		},
	}
}
