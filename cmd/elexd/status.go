package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/elexd/internal/config"
)

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running agent's health and statistics",
		Long: `Fetch /health and /stats from a running agent.

The address defaults to the server section of the config.

Examples:
  elexd status
  elexd status --addr 10.0.0.5:9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return printStatus(ctx, cmd.OutOrStdout(), "http://"+addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "agent HTTP address (host:port)")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, baseURL string) error {
	for _, path := range []string{"/health", "/stats"} {
		body, err := fetchJSON(ctx, baseURL+path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s:\n%s\n", path, body)
	}
	return nil
}

// fetchJSON returns the indented body of a 2xx JSON response.
func fetchJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	return json.MarshalIndent(v, "", "  ")
}
