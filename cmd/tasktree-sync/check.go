package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasktree/tasktree-sync/internal/api"
	"github.com/tasktree/tasktree-sync/internal/retry"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe backend health and optionally fetch project trees",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()
			projects, _ := cmd.Flags().GetStringSlice("project")

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			onRetry := func(attempt int, delay time.Duration, err error) {
				fmt.Fprintf(out, "retrying... attempt %d failed (%v), next in %s\n", attempt, err, delay)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.API.HealthURL(), nil)
			if err != nil {
				return fmt.Errorf("build health request: %w", err)
			}
			resp, err := retry.Do(ctx, &http.Client{Timeout: cfg.Health.Timeout}, req, retry.Options{
				MaxAttempts:  cfg.API.MaxRetries,
				InitialDelay: cfg.API.RetryInitialDelay,
				MaxDelay:     cfg.API.RetryMaxDelay,
				OnRetry:      onRetry,
				Logger:       logger,
			})
			if err != nil {
				fmt.Fprintf(out, "backend %s: down\n", cfg.API.BaseURL)
				return fmt.Errorf("health check: %w", err)
			}
			resp.Body.Close()
			fmt.Fprintf(out, "backend %s: up (%s)\n", cfg.API.BaseURL, resp.Status)

			if len(projects) == 0 {
				return nil
			}

			creds, err := loadCredentials(cfg.API, logger)
			if err != nil {
				return err
			}
			client := api.NewClient(cfg.API.Endpoint(), creds,
				api.WithTimeout(cfg.API.Timeout),
				api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryInitialDelay, cfg.API.RetryMaxDelay),
				api.WithOnRetry(onRetry),
				api.WithLogger(logger),
			)

			var failed int
			for _, id := range projects {
				tree, err := client.GetProjectTree(ctx, id)
				if err != nil {
					fmt.Fprintf(out, "project %s: %v\n", id, err)
					failed++
					continue
				}
				c := tree.Counts()
				fmt.Fprintf(out, "project %s (%s): %d epics, %d features, %d tasks, %d unassigned\n",
					id, tree.Name, c.Epics, c.Features, c.Tasks, c.Unassigned)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d projects failed", failed, len(projects))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceP("project", "p", nil, "Project ids to fetch")

	return cmd
}
