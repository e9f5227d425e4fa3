package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/ent0n29/voicestudio/internal/personality"
)

func personalitiesCommand() *cli.Command {
	return &cli.Command{
		Name:    "personalities",
		Aliases: []string{"p"},
		Usage:   "Inspect stored voice personalities",
		Commands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List personalities",
				Action:  handlePersonalitiesList,
			},
			{
				Name:      "show",
				Usage:     "Print one personality descriptor",
				ArgsUsage: "<name>",
				Action:    handlePersonalitiesShow,
			},
			{
				Name:      "delete",
				Usage:     "Delete a personality and its audio",
				ArgsUsage: "<name>",
				Action:    handlePersonalitiesDelete,
			},
		},
	}
}

func openStore(c *cli.Command) (*personality.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return personality.NewStore(cfg.Storage.PersonalitiesDir, nil)
}

func handlePersonalitiesList(_ context.Context, c *cli.Command) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no personalities")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tEMOTIONS\tCREATED")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", p.Name, p.Kind, p.EmotionCount, humanize.Time(p.CreatedAt))
	}
	return tw.Flush()
}

func handlePersonalitiesShow(_ context.Context, c *cli.Command) error {
	name := c.Args().Get(0)
	if name == "" {
		return errors.New("personality name is required")
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	rec, err := store.Get(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func handlePersonalitiesDelete(_ context.Context, c *cli.Command) error {
	name := c.Args().Get(0)
	if name == "" {
		return errors.New("personality name is required")
	}
	store, err := openStore(c)
	if err != nil {
		return err
	}
	deleted, err := store.Delete(name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: %s", personality.ErrNotFound, name)
	}
	fmt.Printf("deleted %s\n", personality.SanitizeName(name))
	return nil
}
