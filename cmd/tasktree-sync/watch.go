package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasktree/tasktree-sync/internal/api"
	"github.com/tasktree/tasktree-sync/internal/config"
	"github.com/tasktree/tasktree-sync/internal/database"
	"github.com/tasktree/tasktree-sync/internal/health"
	"github.com/tasktree/tasktree-sync/internal/journal"
	"github.com/tasktree/tasktree-sync/internal/poller"
	"github.com/tasktree/tasktree-sync/internal/querycache"
	"github.com/tasktree/tasktree-sync/internal/status"
	"github.com/tasktree/tasktree-sync/internal/stream"
	"github.com/tasktree/tasktree-sync/internal/version"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow project event streams and keep cached trees fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			projects, _ := cmd.Flags().GetStringSlice("project")
			if len(projects) == 0 {
				return errors.New("at least one --project is required")
			}

			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, cfg, projects, logger)
		},
	}

	cmd.Flags().StringSliceP("project", "p", nil, "Project ids to follow (repeatable)")

	return cmd
}

func projectTreeKey(id string) string {
	return "project-tree:" + id
}

func runWatch(ctx context.Context, cfg *config.SyncConfig, projects []string, logger *slog.Logger) error {
	logger.Info("starting tasktree-sync",
		"version", version.Version,
		"commit", version.Commit,
		"backend", cfg.API.BaseURL,
		"transport", cfg.Stream.Transport,
		"projects", len(projects),
	)

	creds, err := loadCredentials(cfg.API, logger)
	if err != nil {
		return err
	}

	client := api.NewClient(cfg.API.Endpoint(), creds,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryInitialDelay, cfg.API.RetryMaxDelay),
		api.WithLogger(logger.With("component", "api")),
	)

	cache := querycache.New(logger.With("component", "cache"),
		querycache.WithConcurrency(cfg.Cache.Concurrency))
	for _, id := range projects {
		id := id
		release := cache.Register(projectTreeKey(id), func(ctx context.Context) (any, error) {
			tree, err := client.GetProjectTree(ctx, id)
			if err != nil {
				return nil, err
			}
			c := tree.Counts()
			logger.Info("project tree refreshed",
				"project", id,
				"epics", c.Epics,
				"features", c.Features,
				"tasks", c.Tasks,
			)
			return tree, nil
		})
		defer release()
	}

	if err := cache.RefetchActive(ctx); err != nil {
		logger.Warn("initial fetch incomplete", "error", err)
	}

	monitor := health.NewMonitor(health.Config{
		URL:                  cfg.API.HealthURL(),
		ConnectedInterval:    cfg.Health.ConnectedInterval,
		DisconnectedInterval: cfg.Health.DisconnectedInterval,
		Timeout:              cfg.Health.Timeout,
	}, cache, logger.With("component", "health"),
		health.WithNotifier(func(t health.Transition) {
			logger.Info("backend liveness changed", "transition", t.String())
		}),
	)

	streams := stream.NewClient(stream.Config{
		URL:                cfg.API.StreamURL(),
		ConnectTimeout:     cfg.Stream.ConnectTimeout,
		MaxAttempts:        cfg.Stream.MaxAttempts,
		BaseDelay:          cfg.Stream.BaseDelay,
		MaxDelay:           cfg.Stream.MaxDelay,
		PersistentInterval: cfg.Stream.PersistentInterval,
	}, newDialer(cfg.Stream, logger), creds, cache, logger.With("component", "stream"))
	defer streams.Close()

	extras := map[string]func() any{}

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		pool, err := database.Connect(ctx, cfg.Journal.Database, logger.With("component", "database"))
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		jw = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger.With("component", "journal"))
		if err := jw.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := jw.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			jw.Stop(stopCtx)
		}()
		extras["journal"] = func() any { return jw.Stats() }
	}

	var fallback *poller.Poller
	if cfg.Poller.Enabled {
		fallback = poller.New(poller.Config{
			Interval:    cfg.Poller.Interval,
			Concurrency: cfg.Poller.Concurrency,
			Timeout:     cfg.Poller.Timeout,
		}, cache, streams, logger.With("component", "poller"))
		for _, id := range projects {
			fallback.Watch(id, projectTreeKey(id))
		}
		if err := fallback.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			fallback.Stop(stopCtx)
		}()
		extras["poller"] = func() any { return fallback.Stats() }
	}

	for _, id := range projects {
		sub, err := streams.Subscribe(id, func(ev stream.Event) {
			logger.Info("project event", "project", ev.Key, "event", ev.Type)
			if jw != nil {
				jw.Record(ev)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
		defer sub.Unsubscribe()
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := monitor.Start(gctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer monitor.Stop()

	if cfg.Status.Port > 0 {
		srv := status.NewServer(cfg.Status.Port, status.Sources{
			Health:  monitor,
			Streams: streams,
			Cache:   cache,
			Extras:  extras,
		}, logger.With("component", "status"))
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

func newDialer(cfg config.StreamConfig, logger *slog.Logger) stream.Dialer {
	if cfg.Transport == config.TransportWebSocket {
		return stream.NewWebSocketDialer(stream.DefaultWebSocketConfig(), logger.With("component", "websocket"))
	}
	return stream.NewSSEDialer(nil, logger.With("component", "sse"))
}
