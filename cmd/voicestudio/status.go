package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the model resident in a running server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Server base URL",
				Value: "http://127.0.0.1:8000",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.String("url"), "/")+"/api/status", nil)
			if err != nil {
				return err
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("status request: %s", res.Status)
			}
			var st struct {
				ModelLoaded *string `json:"model_loaded"`
				VRAMUsedGB  float64 `json:"vram_used_gb"`
			}
			if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			model := "none"
			if st.ModelLoaded != nil {
				model = *st.ModelLoaded
			}
			fmt.Printf("model: %s\nmemory: %s\n", model, humanize.IBytes(uint64(st.VRAMUsedGB*(1<<30))))
			return nil
		},
	}
}
